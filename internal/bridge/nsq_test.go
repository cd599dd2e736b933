package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/replay"
)

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.topic, f.body = topic, body
	return f.err
}

type capturePublisher struct {
	topic string
	msg   replay.Message
	err   error
}

func (c *capturePublisher) Publish(_ context.Context, topic string, msg replay.Message) (string, error) {
	c.topic, c.msg = topic, msg
	return "id", c.err
}

func newMessage(body []byte) *nsq.Message {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, body)
}

func TestPublisher_Publish(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, "replay")

	id, err := p.Publish(context.Background(), "some-topic", replay.Message{
		Data:       []byte(`{"a":1}`),
		Attributes: map[string]string{"key": "sequence.x.perform.y"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "replay", prod.topic)

	var env Envelope
	require.NoError(t, json.Unmarshal(prod.body, &env))
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "some-topic", env.Topic)
	assert.JSONEq(t, `{"a":1}`, string(env.Data))
	assert.Equal(t, "sequence.x.perform.y", env.Attributes["key"])
}

func TestPublisher_PublishError(t *testing.T) {
	boom := errors.New("nsqd gone")
	_, err := NewPublisher(&fakeProducer{err: boom}, "replay").Publish(context.Background(), "t", replay.Message{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "nsq publish")
}

func TestHandler_HandleMessage(t *testing.T) {
	valid, err := json.Marshal(Envelope{ID: "1", Topic: "some-topic", Data: []byte(`{}`), Attributes: map[string]string{"key": "k"}})
	require.NoError(t, err)
	noTopic, err := json.Marshal(Envelope{ID: "2", Data: []byte(`{}`)})
	require.NoError(t, err)

	tests := []struct {
		name      string
		body      []byte
		targetErr error
		wantErr   bool
		wantTopic string
	}{
		{name: "bridged", body: valid, wantTopic: "some-topic"},
		{name: "malformed payload is dropped", body: []byte(`not json`)},
		{name: "missing topic is dropped", body: noTopic},
		{name: "target error requeues", body: valid, targetErr: replay.ErrNotEnabled, wantErr: true, wantTopic: "some-topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &capturePublisher{err: tt.targetErr}
			h := NewHandler(target, logging.Discard())

			err := h.HandleMessage(newMessage(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantTopic, target.topic)
		})
	}
}

func TestBridge_IntoEngine(t *testing.T) {
	e := replay.New(replay.WithLogger(logging.Discard()))
	prod := &fakeProducer{}
	pub := NewPublisher(prod, "replay")
	h := NewHandler(e.PubSub(), logging.Discard())

	_, err := pub.Publish(context.Background(), "some-topic", replay.Message{Data: []byte(`{"n":1}`), Attributes: map[string]string{"key": "a.b"}})
	require.NoError(t, err)

	// a disabled engine refuses the message so nsqd redelivers it later
	err = h.HandleMessage(newMessage(prod.body))
	assert.ErrorIs(t, err, replay.ErrNotEnabled)
	assert.Zero(t, e.QueueDepth())

	require.NoError(t, e.EnablePublish(replay.Handler(http.NotFoundHandler())))
	require.NoError(t, h.HandleMessage(newMessage(prod.body)))
	assert.Equal(t, 1, e.QueueDepth())
}
