package memsource

import (
	gerrors "errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/source"
)

func TestPublishMatchesFilters(t *testing.T) {
	s := New()

	var got []string
	require.NoError(t, s.Register("a", []string{"sensor/+/temp"}, func(msg *source.Message) {
		got = append(got, "a:"+msg.Topic)
	}))
	require.NoError(t, s.Register("b", []string{"#"}, func(msg *source.Message) {
		got = append(got, "b:"+msg.Topic)
	}))
	require.Equal(t, 2, s.Listeners())

	require.NoError(t, s.Publish(&source.Message{Topic: "sensor/1/humidity"}))
	require.Equal(t, []string{"b:sensor/1/humidity"}, got)

	got = nil
	msg := &source.Message{Topic: "sensor/1/temp"}
	require.NoError(t, s.Publish(msg))
	require.ElementsMatch(t, []string{"a:sensor/1/temp", "b:sensor/1/temp"}, got)
	require.False(t, msg.Time.IsZero())

	s.Unregister("a")
	s.Unregister("unknown")
	got = nil
	require.NoError(t, s.Publish(&source.Message{Topic: "sensor/1/temp"}))
	require.Equal(t, []string{"b:sensor/1/temp"}, got)
}

func TestDuplicateRegistration(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("a", []string{"#"}, func(*source.Message) {}))
	err := s.Register("a", []string{"#"}, func(*source.Message) {})
	require.True(t, gerrors.Is(err, model.ErrDuplicateSubscription))
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("a", []string{"#"}, func(*source.Message) {}))
	require.NoError(t, s.Close())
	require.Zero(t, s.Listeners())

	err := s.Register("b", []string{"#"}, func(*source.Message) {})
	require.True(t, gerrors.Is(err, model.ErrSourceClosed))
	err = s.Publish(&source.Message{Topic: "a"})
	require.True(t, gerrors.Is(err, model.ErrSourceClosed))
}
