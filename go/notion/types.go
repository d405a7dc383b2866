package notion

// Wire types for the subset of the Notion API the service touches. Properties
// decode into one struct with a field per property kind; only the field
// matching the property's type is populated.

// Text is the inner text object of a rich text item.
type Text struct {
	Content string `json:"content"`
	Link    *Link  `json:"link,omitempty"`
}

// Link is an inline link attached to a text item.
type Link struct {
	URL string `json:"url"`
}

// RichText is one item of a rich_text or title array.
type RichText struct {
	Type      string `json:"type,omitempty"`
	Text      *Text  `json:"text,omitempty"`
	PlainText string `json:"plain_text,omitempty"`
}

// SelectOption is a select or multi_select option.
type SelectOption struct {
	Name string `json:"name"`
}

// Date is a date property value.
type Date struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// Relation is one entry of a relation property.
type Relation struct {
	ID string `json:"id"`
}

// Property is a single page property value. Exactly one of the typed fields
// is set, matching Type.
type Property struct {
	Type        string         `json:"type,omitempty"`
	Title       []RichText     `json:"title,omitempty"`
	RichText    []RichText     `json:"rich_text,omitempty"`
	Select      *SelectOption  `json:"select,omitempty"`
	MultiSelect []SelectOption `json:"multi_select,omitempty"`
	Checkbox    *bool          `json:"checkbox,omitempty"`
	Date        *Date          `json:"date,omitempty"`
	URL         string         `json:"url,omitempty"`
	Relation    []Relation     `json:"relation,omitempty"`
}

// Page is a Notion page object.
type Page struct {
	ID             string              `json:"id"`
	CreatedTime    string              `json:"created_time"`
	LastEditedTime string              `json:"last_edited_time"`
	Archived       bool                `json:"archived"`
	URL            string              `json:"url"`
	Properties     map[string]Property `json:"properties"`
}

// Paragraph is the payload of a paragraph block.
type Paragraph struct {
	RichText []RichText `json:"rich_text"`
}

// Heading is the payload of a heading block.
type Heading struct {
	RichText []RichText `json:"rich_text"`
}

// Block is a page content block. Only paragraph and heading_2 blocks are
// ever written.
type Block struct {
	Object    string     `json:"object"`
	Type      string     `json:"type"`
	Paragraph *Paragraph `json:"paragraph,omitempty"`
	Heading2  *Heading   `json:"heading_2,omitempty"`
}

// plainText flattens a rich text array to its concatenated text content.
func plainText(items []RichText) string {
	s := ""
	for _, it := range items {
		if it.Text != nil {
			s += it.Text.Content
		} else {
			s += it.PlainText
		}
	}
	return s
}

// TitleOf returns the flattened title text of the named property.
func (p *Page) TitleOf(name string) string {
	return plainText(p.Properties[name].Title)
}

// TextOf returns the flattened rich_text content of the named property.
func (p *Page) TextOf(name string) string {
	return plainText(p.Properties[name].RichText)
}

// SelectOf returns the selected option name of the named property, or "".
func (p *Page) SelectOf(name string) string {
	if sel := p.Properties[name].Select; sel != nil {
		return sel.Name
	}
	return ""
}

// CheckboxOf returns the checkbox state of the named property.
func (p *Page) CheckboxOf(name string) bool {
	if cb := p.Properties[name].Checkbox; cb != nil {
		return *cb
	}
	return false
}

// DateStartOf returns the start of the named date property, or "".
func (p *Page) DateStartOf(name string) string {
	if d := p.Properties[name].Date; d != nil {
		return d.Start
	}
	return ""
}

// RelationIDsOf returns the related page ids of the named property.
func (p *Page) RelationIDsOf(name string) []string {
	rels := p.Properties[name].Relation
	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		ids = append(ids, r.ID)
	}
	return ids
}

// TitleProp builds a title property value.
func TitleProp(s string) Property {
	return Property{Title: []RichText{{Text: &Text{Content: s}}}}
}

// TextProp builds a rich_text property value.
func TextProp(s string) Property {
	return Property{RichText: []RichText{{Text: &Text{Content: s}}}}
}

// SelectProp builds a select property value.
func SelectProp(name string) Property {
	return Property{Select: &SelectOption{Name: name}}
}

// MultiSelectProp builds a multi_select property value.
func MultiSelectProp(names []string) Property {
	opts := make([]SelectOption, 0, len(names))
	for _, n := range names {
		opts = append(opts, SelectOption{Name: n})
	}
	return Property{MultiSelect: opts}
}

// CheckboxProp builds a checkbox property value.
func CheckboxProp(v bool) Property {
	return Property{Checkbox: &v}
}

// DateProp builds a date property value from a start date or datetime string.
func DateProp(start string) Property {
	return Property{Date: &Date{Start: start}}
}

// URLProp builds a url property value.
func URLProp(u string) Property {
	return Property{URL: u}
}

// RelationProp builds a relation property value.
func RelationProp(pageIDs ...string) Property {
	rels := make([]Relation, 0, len(pageIDs))
	for _, id := range pageIDs {
		rels = append(rels, Relation{ID: id})
	}
	return Property{Relation: rels}
}

// ParagraphBlock builds a paragraph block, truncating the text to the Notion
// per-block limit of 2000 characters.
func ParagraphBlock(text string) Block {
	return Block{
		Object:    "block",
		Type:      "paragraph",
		Paragraph: &Paragraph{RichText: []RichText{{Type: "text", Text: &Text{Content: truncate(text, 2000)}}}},
	}
}

// HeadingBlock builds a heading_2 block.
func HeadingBlock(text string) Block {
	return Block{
		Object:   "block",
		Type:     "heading_2",
		Heading2: &Heading{RichText: []RichText{{Type: "text", Text: &Text{Content: truncate(text, 2000)}}}},
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
