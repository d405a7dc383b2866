// Package mapper translates between the Todoist and Notion representations
// of tasks and projects. The forward direction composes the canonical page
// payload that gets fingerprinted and written to Notion; the reverse
// direction extracts the sync-relevant subset of a Notion page and diffs it
// against the live Todoist task.
package mapper

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/types"
)

// TaskPayload composes the canonical Notion representation of a task. The
// payload is deterministic for a given Todoist state: no wall-clock
// timestamps, so its fingerprint only changes when the task does.
func TaskPayload(task *types.Task, project *types.Project, comments []types.Comment, sectionName string) *types.PagePayload {
	p := &types.PagePayload{
		Title:            task.Content,
		Body:             task.Description,
		TaskID:           task.ID,
		TaskURL:          task.URL,
		ProjectID:        task.ProjectID,
		ProjectName:      project.Name,
		Labels:           task.Labels,
		Priority:         task.Priority,
		Completed:        task.IsCompleted,
		CompletedAt:      task.CompletedAt,
		ParentID:         task.ParentID,
		SectionID:        task.SectionID,
		SectionName:      sectionName,
		CommentsMarkdown: RenderComments(comments),
		CreatedAt:        task.CreatedAt,
		Status:           string(types.StatusOK),
	}
	if task.Due != nil {
		p.DueDate = task.Due.DateOnly()
		p.DueTime = task.Due.TimeOnly()
		p.DueTimezone = task.Due.Timezone
	}
	return p
}

// ArchivedTaskPayload composes the payload written when a task leaves the
// synced set (tag removed or task deleted): completed, status archived.
func ArchivedTaskPayload(task *types.Task, project *types.Project) *types.PagePayload {
	p := TaskPayload(task, project, nil, "")
	p.Completed = true
	p.Status = string(types.StatusArchived)
	return p
}

// ProjectPayload composes the canonical Notion representation of a project.
func ProjectPayload(project *types.Project) *types.ProjectPayload {
	return &types.ProjectPayload{
		ProjectID: project.ID,
		Name:      project.Name,
		URL:       project.URL,
		IsShared:  project.IsShared,
		Color:     project.Color,
	}
}

// RenderComments renders task comments as markdown, one block per comment
// separated by horizontal rules.
func RenderComments(comments []types.Comment) string {
	if len(comments) == 0 {
		return ""
	}
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		parts = append(parts, fmt.Sprintf("**Comment** · %s\n\n%s", c.PostedAt, c.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// CreateProperties builds the full property set for creating a task page.
// The relation arguments may be empty when the corresponding database is not
// configured or nothing resolved.
func CreateProperties(p *types.PagePayload, projectPageID string, areaPageIDs, peoplePageIDs []string) map[string]notion.Property {
	props := UpdateProperties(p, areaPageIDs, peoplePageIDs)
	props[notion.PropTaskID] = notion.TextProp(p.TaskID)
	props[notion.PropURL] = notion.URLProp(p.TaskURL)
	if projectPageID != "" {
		props[notion.PropProject] = notion.RelationProp(projectPageID)
	}
	if p.SectionName != "" {
		props[notion.PropSection] = notion.TextProp(p.SectionName)
	}
	return props
}

// UpdateProperties builds the property subset written on page updates. The
// identifier properties are set once at creation and never churned.
func UpdateProperties(p *types.PagePayload, areaPageIDs, peoplePageIDs []string) map[string]notion.Property {
	props := map[string]notion.Property{
		notion.PropName:      notion.TitleProp(p.Title),
		notion.PropPriority:  notion.SelectProp(fmt.Sprintf("P%d", p.Priority)),
		notion.PropCompleted: notion.CheckboxProp(p.Completed),
	}
	if p.DueDate != "" {
		props[notion.PropDueDate] = notion.DateProp(p.DueDate)
	}
	if len(p.Labels) > 0 {
		props[notion.PropLabels] = notion.MultiSelectProp(p.Labels)
	}
	if len(areaPageIDs) > 0 {
		props[notion.PropAreas] = notion.RelationProp(areaPageIDs...)
	}
	if len(peoplePageIDs) > 0 {
		props[notion.PropPeople] = notion.RelationProp(peoplePageIDs...)
	}
	return props
}

// BodyBlocks builds the content blocks written once at page creation:
// the task description, then a Comments section. Updates never touch body
// content so manual edits in Notion survive.
func BodyBlocks(p *types.PagePayload) []notion.Block {
	var blocks []notion.Block
	if p.Body != "" {
		blocks = append(blocks, notion.ParagraphBlock(p.Body))
	}
	if p.CommentsMarkdown != "" {
		blocks = append(blocks,
			notion.HeadingBlock("Comments"),
			notion.ParagraphBlock(p.CommentsMarkdown),
		)
	}
	return blocks
}

// ProjectProperties builds the property set for a project page with the
// given Status select value.
func ProjectProperties(p *types.ProjectPayload, status string) map[string]notion.Property {
	props := map[string]notion.Property{
		notion.PropName:      notion.TitleProp(p.Name),
		notion.PropProjectID: notion.TextProp(p.ProjectID),
		notion.PropURL:       notion.URLProp(p.URL),
		notion.PropStatus:    notion.SelectProp(status),
		notion.PropIsShared:  notion.CheckboxProp(p.IsShared),
	}
	if p.Color != "" {
		props[notion.PropColor] = notion.SelectProp(p.Color)
	}
	return props
}

// Backlink appends "View Task in Notion" / "View Project in Notion" lines to
// a Todoist task description. It returns the new description and whether it
// changed; a description already linking to the Notion host is left alone so
// repeated syncs do not stack links.
func Backlink(description, taskPageURL, projectPageURL string) (string, bool) {
	host := "notion.so"
	if u, err := url.Parse(taskPageURL); err == nil && u.Host != "" {
		host = strings.TrimPrefix(u.Host, "www.")
	}
	if strings.Contains(description, host) {
		return description, false
	}
	lines := []string{"View Task in Notion: " + taskPageURL}
	if projectPageURL != "" {
		lines = append(lines, "View Project in Notion: "+projectPageURL)
	}
	suffix := strings.Join(lines, "\n")
	if description == "" {
		return suffix, true
	}
	return description + "\n\n" + suffix, true
}

// ReverseProps returns the sync-relevant subset of a forward payload, i.e.
// the page properties as the forward write leaves them. Its fingerprint is
// what the reverse sweep later compares against to recognize echoes.
func ReverseProps(p *types.PagePayload) types.PageProps {
	return types.PageProps{
		Title:     p.Title,
		Priority:  p.Priority,
		DueDate:   p.DueDate,
		Completed: p.Completed,
	}
}

// ExtractTaskProps extracts the sync-relevant subset of a Notion task page
// plus the identifiers needed to act on it.
func ExtractTaskProps(page *notion.Page) types.PageProps {
	props := types.PageProps{
		Title:     page.TitleOf(notion.PropName),
		Priority:  ParsePriority(page.SelectOf(notion.PropPriority)),
		DueDate:   page.DateStartOf(notion.PropDueDate),
		Completed: page.CheckboxOf(notion.PropCompleted),

		TaskID:         page.TextOf(notion.PropTaskID),
		PageID:         page.ID,
		LastEditedTime: page.LastEditedTime,
		Archived:       page.Archived,
	}
	if rels := page.RelationIDsOf(notion.PropProject); len(rels) > 0 {
		props.ProjectPageID = rels[0]
	}
	return props
}

// ParsePriority converts a Priority select name ("P1".."P4") to the Todoist
// integer scale. Anything unparseable falls back to 1.
func ParsePriority(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "P"))
	if err != nil || n < 1 || n > 4 {
		return 1
	}
	return n
}

// ReverseDiff is the set of Todoist fields a Notion edit asks to change. Nil
// fields are unchanged; a non-nil empty DueDate means "clear the due date".
type ReverseDiff struct {
	Title     *string
	Priority  *int
	DueDate   *string
	Completed *bool
}

// Empty returns true if nothing differs.
func (d *ReverseDiff) Empty() bool {
	return d.Title == nil && d.Priority == nil && d.DueDate == nil && d.Completed == nil
}

// DiffAgainstTask compares the extracted page properties against the live
// Todoist task and returns the fields to push back.
func DiffAgainstTask(props types.PageProps, task *types.Task) ReverseDiff {
	var d ReverseDiff
	if props.Title != task.Content {
		title := props.Title
		d.Title = &title
	}
	if props.Priority != task.Priority {
		priority := props.Priority
		d.Priority = &priority
	}
	taskDue := task.Due.DateOnly()
	if props.DueDate != taskDue {
		due := props.DueDate
		d.DueDate = &due
	}
	if props.Completed != task.IsCompleted {
		completed := props.Completed
		d.Completed = &completed
	}
	return d
}
