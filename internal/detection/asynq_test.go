package detection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdnest/internal/models"
)

type recordedTask struct {
	task *asynq.Task
	opts map[asynq.OptionType]any
}

type fakeAsynqClient struct {
	tasks  []recordedTask
	err    error
	closed bool
}

func (c *fakeAsynqClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	values := make(map[asynq.OptionType]any, len(opts))
	for _, opt := range opts {
		values[opt.Type()] = opt.Value()
	}
	c.tasks = append(c.tasks, recordedTask{task: task, opts: values})
	id, _ := values[asynq.TaskIDOpt].(string)
	queue, _ := values[asynq.QueueOpt].(string)
	return &asynq.TaskInfo{ID: id, Queue: queue, Type: task.Type()}, nil
}

func (c *fakeAsynqClient) Close() error {
	c.closed = true
	return nil
}

func TestAsynqDispatcherEnqueuesTask(t *testing.T) {
	client := &fakeAsynqClient{}
	dispatcher := NewAsynqDispatcher(client, AsynqDispatcherConfig{Queue: "birds", MaxRetry: 5, Timeout: time.Minute})

	job := Job{URL: "https://birds.s3.amazonaws.com/media-files/alice/a.jpg", Key: "media-files/alice/a.jpg"}
	require.NoError(t, dispatcher.Dispatch(context.Background(), job))
	require.Len(t, client.tasks, 1)

	recorded := client.tasks[0]
	assert.Equal(t, TaskTypeDetect, recorded.task.Type())
	var decoded Job
	require.NoError(t, json.Unmarshal(recorded.task.Payload(), &decoded))
	assert.Equal(t, job, decoded)
	assert.Equal(t, "birds", recorded.opts[asynq.QueueOpt])
	assert.Equal(t, TaskID(job.URL), recorded.opts[asynq.TaskIDOpt])
	assert.Equal(t, 5, recorded.opts[asynq.MaxRetryOpt])
	assert.Equal(t, time.Minute, recorded.opts[asynq.TimeoutOpt])

	require.NoError(t, dispatcher.Dispatch(context.Background(), Job{URL: job.URL, Force: true}))
	assert.NotEqual(t, TaskID(job.URL), client.tasks[1].opts[asynq.TaskIDOpt], "forced jobs get a fresh task id")

	require.NoError(t, dispatcher.Close())
	assert.True(t, client.closed)
}

func TestAsynqDispatcherErrors(t *testing.T) {
	client := &fakeAsynqClient{err: asynq.ErrTaskIDConflict}
	dispatcher := NewAsynqDispatcher(client, AsynqDispatcherConfig{})
	assert.NoError(t, dispatcher.Dispatch(context.Background(), Job{URL: "https://birds/a.jpg"}), "duplicate task counts as queued")

	client.err = errors.New("redis down")
	err := dispatcher.Dispatch(context.Background(), Job{URL: "https://birds/a.jpg"})
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)

	err = dispatcher.Dispatch(context.Background(), Job{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestTaskIDIsStable(t *testing.T) {
	assert.Equal(t, TaskID("https://x/a.jpg"), TaskID(" https://x/a.jpg "))
	assert.NotEqual(t, TaskID("https://x/a.jpg"), TaskID("https://x/b.jpg"))
	assert.Len(t, TaskID("https://x/a.jpg"), len("detect:")+32)
}

func TestAsynqHandlerRunsPipeline(t *testing.T) {
	fail := false
	fx := newPipelineFixture(t, func(context.Context, Input) (models.SpeciesCounts, error) {
		if fail {
			return nil, models.ErrInvalidInput
		}
		return models.SpeciesCounts{"heron": 1}, nil
	})
	record := fx.register(t, "heron.mp4", models.KindVideo, "video/mp4", []byte("h"))
	handler := NewAsynqHandler(fx.pipeline)

	payload, err := json.Marshal(Job{URL: record.URL, Key: record.Key})
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDetect, payload)))

	stored, err := fx.repo.GetByURL(context.Background(), record.URL)
	require.NoError(t, err)
	assert.Equal(t, models.SpeciesCounts{"heron": 1}, stored.Tags)

	err = handler.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDetect, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	fail = true
	forced, err := json.Marshal(Job{URL: record.URL, Force: true})
	require.NoError(t, err)
	err = handler.ProcessTask(context.Background(), asynq.NewTask(TaskTypeDetect, forced))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
