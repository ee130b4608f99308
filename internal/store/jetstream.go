package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// JetStream defaults.
const (
	DefaultStreamName    = "TASK_HISTORY"
	DefaultSubjectPrefix = "taskd.history"
)

// JetStreamConfig configures a JetStreamStore.
type JetStreamConfig struct {
	Stream        string
	SubjectPrefix string
	Replicas      int
	// MaxAge bounds history retention. Zero keeps entries forever.
	MaxAge time.Duration
	// Timeout bounds each store call that has no earlier deadline.
	Timeout time.Duration
}

// JetStreamStore keeps each task context on its own subject
// (<prefix>.<contextID>) of a file-backed stream. Appends are optimistic:
// the publish carries the expected last stream sequence for the subject and
// a message id of <contextID>:<sequence>, so the server rejects a second
// writer for the same sequence.
type JetStreamStore struct {
	js     nats.JetStreamContext
	cfg    JetStreamConfig
	logger *zap.Logger
}

// NewJetStreamStore creates the stream if needed and returns a store bound
// to it.
func NewJetStreamStore(nc *nats.Conn, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamStore, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &JetStreamStore{js: js, cfg: cfg, logger: logger.Named("store.jetstream")}
	if err := s.ensureStream(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JetStreamStore) ensureStream() error {
	_, err := s.js.StreamInfo(s.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", s.cfg.Stream, err)
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:       s.cfg.Stream,
		Subjects:   []string{s.cfg.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardNew,
		Replicas:   s.cfg.Replicas,
		MaxAge:     s.cfg.MaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", s.cfg.Stream, err)
	}
	s.logger.Info("created history stream",
		zap.String("stream", s.cfg.Stream),
		zap.String("subjects", s.cfg.SubjectPrefix+".>"))
	return nil
}

func (s *JetStreamStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *JetStreamStore) subject(contextID string) string {
	return s.cfg.SubjectPrefix + "." + contextID
}

// last returns the last entry stored for contextID and its stream sequence.
func (s *JetStreamStore) last(ctx context.Context, contextID string) (*task.Entry, uint64, error) {
	msg, err := s.js.GetLastMsg(s.cfg.Stream, s.subject(contextID), nats.Context(ctx))
	if errors.Is(err, nats.ErrMsgNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read last entry of %s: %w", contextID, err)
	}
	var e task.Entry
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		return nil, 0, &task.CorruptionError{ContextID: contextID, Reason: fmt.Sprintf("undecodable entry at stream sequence %d: %v", msg.Sequence, err)}
	}
	return &e, msg.Sequence, nil
}

// Append publishes entry if it follows the current last entry.
func (s *JetStreamStore) Append(ctx context.Context, contextID string, entry task.Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := ValidateContextID(contextID); err != nil {
		return err
	}
	last, streamSeq, err := s.last(ctx, contextID)
	if err != nil {
		return err
	}
	if err := checkAppend(contextID, last, entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ack, err := s.js.Publish(s.subject(contextID), data,
		nats.Context(ctx),
		nats.ExpectStream(s.cfg.Stream),
		nats.ExpectLastSequencePerSubject(streamSeq),
		nats.MsgId(fmt.Sprintf("%s:%d", contextID, entry.Sequence)),
	)
	if err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
			return &task.ConflictError{ContextID: contextID, Expected: expectedAfter(last), Got: entry.Sequence}
		}
		return fmt.Errorf("publish entry %d of %s: %w", entry.Sequence, contextID, err)
	}
	if ack.Duplicate {
		return &task.ConflictError{ContextID: contextID, Expected: expectedAfter(last) + 1, Got: entry.Sequence}
	}
	return nil
}

func expectedAfter(last *task.Entry) int {
	if last == nil {
		return 1
	}
	return last.Sequence + 1
}

// Read replays the subject of contextID with an ordered consumer.
func (s *JetStreamStore) Read(ctx context.Context, contextID string) ([]task.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := ValidateContextID(contextID); err != nil {
		return nil, err
	}
	_, lastSeq, err := s.last(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if lastSeq == 0 {
		return nil, task.ErrNotFound
	}

	sub, err := s.js.SubscribeSync(s.subject(contextID),
		nats.BindStream(s.cfg.Stream),
		nats.OrderedConsumer(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", contextID, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe failed", zap.String("context_id", contextID), zap.Error(err))
		}
	}()

	var history []task.Entry
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("read history of %s: %w", contextID, err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("read history of %s: %w", contextID, err)
		}
		var e task.Entry
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return nil, &task.CorruptionError{ContextID: contextID, Sequence: len(history) + 1, Reason: fmt.Sprintf("undecodable entry: %v", err)}
		}
		history = append(history, e)
		if meta.Sequence.Stream >= lastSeq {
			return history, nil
		}
	}
}

// List returns every context id with at least one entry.
func (s *JetStreamStore) List(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	info, err := s.js.StreamInfo(s.cfg.Stream, nats.Context(ctx), &nats.StreamInfoRequest{SubjectsFilter: s.cfg.SubjectPrefix + ".>"})
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	prefix := s.cfg.SubjectPrefix + "."
	ids := make([]string, 0, len(info.State.Subjects))
	for subj := range info.State.Subjects {
		ids = append(ids, strings.TrimPrefix(subj, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}
