// Package queue is the job queue between event ingestion and the sync
// worker: at-least-once delivery with per-task FIFO ordering.
package queue

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/types"
)

// Publisher enqueues sync jobs. Jobs for the same task are delivered in
// publish order; jobs for different tasks may interleave freely.
type Publisher interface {
	Publish(ctx context.Context, job *types.Job) error
}

// Handler processes one delivered job. A returned error means the delivery
// failed and the job will be redelivered.
type Handler func(ctx context.Context, job *types.Job) error

// PubSubPublisher publishes jobs to a Cloud Pub/Sub topic with message
// ordering enabled. The ordering key is the task id, which is what gives the
// per-task FIFO guarantee; the matching subscription must be created with
// ordering enabled as well.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher returns a publisher for the given topic.
func NewPubSubPublisher(ctx context.Context, project, topicName string, ts oauth2.TokenSource) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, project, option.WithTokenSource(ts))
	if err != nil {
		return nil, skerr.Wrapf(err, "creating pubsub client for project %s", project)
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}, nil
}

// Publish implements Publisher.
func (p *PubSubPublisher) Publish(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return skerr.Wrapf(err, "encoding job for task %s", job.TaskID)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: job.TaskID,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		p.topic.ResumePublish(job.TaskID)
		return skerr.Wrapf(err, "publishing %s job for task %s", job.Action, job.TaskID)
	}
	sklog.Infof("Enqueued %s job for task %s", job.Action, job.TaskID)
	return nil
}

// pushEnvelope is the body of a Pub/Sub push delivery. Data is base64 on the
// wire; encoding/json decodes it transparently.
type pushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush extracts the Job from a Pub/Sub push request body. An error
// here is permanent: the message can never be processed and must not be
// redelivered.
func DecodePush(body []byte) (*types.Job, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, skerr.Wrapf(err, "decoding push envelope")
	}
	job := &types.Job{}
	if err := json.Unmarshal(envelope.Message.Data, job); err != nil {
		return nil, skerr.Wrapf(err, "decoding job from push message %s", envelope.Message.MessageID)
	}
	if job.TaskID == "" {
		return nil, skerr.Fmt("job in push message %s has no task id", envelope.Message.MessageID)
	}
	return job, nil
}
