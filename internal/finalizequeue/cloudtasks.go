package finalizequeue

import (
	"context"
	"encoding/json"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksBackend is the durable, multi-process alternative to the
// in-memory Queue, mirroring internal/webhooks.CloudDispatcher's use of
// Cloud Tasks for guaranteed delivery across process restarts.
type CloudTasksBackend struct {
	client     *cloudtasks.Client
	queuePath  string
	targetURL  string
}

// NewCloudTasksBackend builds the queue path the way CloudDispatcher
// does: projects/{project}/locations/{location}/queues/{queue}.
func NewCloudTasksBackend(ctx context.Context, projectID, locationID, queueID, targetURL string) (*CloudTasksBackend, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}
	return &CloudTasksBackend{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
	}, nil
}

// Enqueue creates an HTTP POST task to targetURL whose body is the
// JSON-encoded Item (Attempt 1). This package has no handler for that
// URL; decoding the task and acknowledging it happen outside it.
func (c *CloudTasksBackend) Enqueue(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) error {
	item := Item{EntryID: entryID, AccountID: accountID, Amount: amount, CorrelationID: correlationID, Attempt: 1}
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					Url:        c.targetURL,
					HttpMethod: taskspb.HttpMethod_POST,
					Body:       body,
					Headers:    map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}
	_, err = c.client.CreateTask(ctx, req)
	return err
}

func (c *CloudTasksBackend) Close() error {
	return c.client.Close()
}
