package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFansOutToAllSenders(t *testing.T) {
	a := &recordingSender{name: "a"}
	b := &recordingSender{name: "b"}
	n := New([]Sender{a, b}, nil, testLogger())

	n.Notify(context.Background(), EventConsensusFinalized, "task 1 finalized")

	assert.Equal(t, []string{"Consensus finalized"}, a.titles)
	assert.Equal(t, []string{"Consensus finalized"}, b.titles)
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "a"}
	n := New([]Sender{s}, []string{EventConsensusFailed}, testLogger())

	n.Notify(context.Background(), EventConsensusFinalized, "filtered")
	assert.Empty(t, s.titles)

	n.Notify(context.Background(), EventConsensusFailed, "task 2 missed quorum")
	assert.Len(t, s.titles, 1)
}

func TestNotifyOneSenderFailingDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("webhook down")}
	good := &recordingSender{name: "good"}
	n := New([]Sender{bad, good}, nil, testLogger())

	n.Notify(context.Background(), EventError, "something broke")
	assert.Len(t, good.titles, 1)
}
