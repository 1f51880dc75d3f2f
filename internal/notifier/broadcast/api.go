package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tgload/internal/access"
	logx "tgload/pkg/logx"
)

// Broadcast resolves the targets of req from the state store and queues one
// delivery per chat. It returns the number of targets; done is called once
// with the aggregate report after every target has been tried. done is not
// called when an error is returned.
func (s *Service) Broadcast(ctx context.Context, req Request, done func(Report)) (int, error) {
	if strings.TrimSpace(req.Content) == "" {
		return 0, ErrEmpty
	}
	targets, err := s.targets(ctx, req.Scope)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}

	r := &run{
		report:  Report{ID: "bc-" + uuid.NewString()[:8], Total: len(targets), StartedAt: time.Now()},
		pending: len(targets),
		text:    req.Content,
		done:    done,
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return 0, ErrNotRunning
	}
	stop, queue := s.sup.Context().Done(), s.queue
	s.feeders.Add(1)
	s.mu.Unlock()

	s.log.Info("broadcast accepted",
		logx.String("id", r.report.ID),
		logx.String("scope", string(req.Scope)),
		logx.Int64("issued_by", req.IssuedBy),
		logx.Int("total", len(targets)),
	)
	go s.feed(r, targets, queue, stop)
	return len(targets), nil
}

func (s *Service) feed(r *run, targets []int64, queue chan<- task, stop <-chan struct{}) {
	defer s.feeders.Done()
	for i, id := range targets {
		select {
		case queue <- task{run: r, chatID: id}:
		case <-stop:
			for _, rest := range targets[i:] {
				s.record(r, rest, false)
			}
			return
		}
	}
}

func (s *Service) targets(ctx context.Context, scope access.BroadcastScope) ([]int64, error) {
	chats, err := s.chats.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	var out []int64
	for _, c := range chats {
		switch scope {
		case access.ScopeAll:
			if c.Enabled {
				out = append(out, c.ChatID)
			}
		case access.ScopeSubscribers:
			// subscribers are reached even after their chat was disabled
			if c.Notifications {
				out = append(out, c.ChatID)
			}
		default:
			return nil, fmt.Errorf("unknown broadcast scope %q", scope)
		}
	}
	return out, nil
}

// Recent returns the reports of finished broadcasts, newest first.
func (s *Service) Recent() []Report {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make([]Report, len(s.recent))
	for i, r := range s.recent {
		out[len(s.recent)-1-i] = r
	}
	return out
}
