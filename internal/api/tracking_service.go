package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/towtrack/internal/bus"
	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/status"
	"github.com/matheus3301/towtrack/internal/tracking"
)

// Tracker is the facade surface the service exposes.
type Tracker interface {
	Current() tracking.View
	Observe() (<-chan tracking.View, func())
	SetActiveJob(ctx context.Context, id string) error
	ClearActiveJob() error
	Refresh()
	UpdatePosition(c job.Coordinate) error
	OpenChat(ctx context.Context) error
	CloseChat() error
	SendMessage(text string) error
	Messages() ([]chat.Message, error)
	ObserveMessages() (string, <-chan []chat.Message, func(), error)
	ObserveUnreadCount() (string, <-chan int, func(), error)
}

// ConnectionSource reports the duplex channel state.
type ConnectionSource interface {
	ConnectionState() status.ConnectionState
}

// TrackingService implements TrackingServer on top of the session facade.
type TrackingService struct {
	profile   string
	startedAt time.Time
	tracker   Tracker
	conn      ConnectionSource
	bus       *bus.Bus
	logger    *zap.Logger

	done     chan struct{}
	shutdown sync.Once
}

// NewTrackingService creates the service. conn and b may be nil.
func NewTrackingService(profile string, tracker Tracker, conn ConnectionSource, b *bus.Bus, logger *zap.Logger) *TrackingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingService{
		profile:   profile,
		startedAt: time.Now(),
		tracker:   tracker,
		conn:      conn,
		bus:       b,
		logger:    logger.Named("api"),
		done:      make(chan struct{}),
	}
}

// Shutdown ends every open stream so a graceful server stop can finish.
func (s *TrackingService) Shutdown() {
	s.shutdown.Do(func() { close(s.done) })
}

func (s *TrackingService) GetView(_ context.Context, _ *Empty) (*GetViewResponse, error) {
	return &GetViewResponse{Profile: s.profile, View: s.tracker.Current()}, nil
}

func (s *TrackingService) WatchView(_ *Empty, stream ViewStream) error {
	views, cancel := s.tracker.Observe()
	defer cancel()

	for {
		select {
		case v, ok := <-views:
			if !ok {
				return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
			}
			if err := stream.Send(&GetViewResponse{Profile: s.profile, View: v}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
		}
	}
}

func (s *TrackingService) SetActiveJob(ctx context.Context, req *SetActiveJobRequest) (*Empty, error) {
	if req.JobID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "job id is required")
	}
	if err := s.tracker.SetActiveJob(ctx, req.JobID); err != nil {
		return nil, toStatus("set active job", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) ClearActiveJob(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.tracker.ClearActiveJob(); err != nil {
		return nil, toStatus("clear active job", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) Refresh(_ context.Context, _ *Empty) (*Empty, error) {
	s.tracker.Refresh()
	return &Empty{}, nil
}

func (s *TrackingService) UpdatePosition(_ context.Context, req *UpdatePositionRequest) (*Empty, error) {
	c := job.Coordinate{Lat: req.Lat, Lng: req.Lng}
	if !c.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid coordinate %v,%v", req.Lat, req.Lng)
	}
	if err := s.tracker.UpdatePosition(c); err != nil {
		return nil, toStatus("update position", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) OpenChat(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.tracker.OpenChat(ctx); err != nil {
		return nil, toStatus("open chat", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) CloseChat(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.tracker.CloseChat(); err != nil {
		return nil, toStatus("close chat", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) SendMessage(_ context.Context, req *SendMessageRequest) (*Empty, error) {
	if err := s.tracker.SendMessage(req.Text); err != nil {
		s.logger.Debug("send rejected", zap.Error(err))
		return nil, toStatus("send message", err)
	}
	return &Empty{}, nil
}

func (s *TrackingService) ListMessages(_ context.Context, _ *Empty) (*ListMessagesResponse, error) {
	msgs, err := s.tracker.Messages()
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	v := s.tracker.Current()
	return &ListMessagesResponse{JobID: viewJobID(v), Messages: msgs, UnreadCount: v.UnreadCount}, nil
}

// WatchMessages streams the active job's room and unread count until the
// active job changes.
func (s *TrackingService) WatchMessages(_ *Empty, stream MessageStream) error {
	jobID, msgs, cancel, err := s.tracker.ObserveMessages()
	if err != nil {
		return toStatus("watch messages", err)
	}
	defer cancel()
	unreadJob, unread, stopUnread, err := s.tracker.ObserveUnreadCount()
	if err != nil {
		return toStatus("watch messages", err)
	}
	defer stopUnread()
	if unreadJob != jobID {
		return grpcstatus.Errorf(codes.Aborted, "active job changed from %s", jobID)
	}
	views, stopViews := s.tracker.Observe()
	defer stopViews()

	resp := ListMessagesResponse{JobID: jobID}
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
			}
			resp.Messages = m
			if err := stream.Send(&resp); err != nil {
				return err
			}
		case n, ok := <-unread:
			if !ok {
				return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
			}
			if n == resp.UnreadCount {
				continue
			}
			resp.UnreadCount = n
			if err := stream.Send(&resp); err != nil {
				return err
			}
		case v, ok := <-views:
			if !ok {
				return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
			}
			if viewJobID(v) != jobID {
				return grpcstatus.Errorf(codes.Aborted, "active job changed from %s", jobID)
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
		}
	}
}

func viewJobID(v tracking.View) string {
	if v.Snapshot != nil {
		return v.Snapshot.ID
	}
	return v.JobID
}

func (s *TrackingService) GetConnection(_ context.Context, _ *Empty) (*GetConnectionResponse, error) {
	resp := &GetConnectionResponse{
		State:    status.ConnectionState{Kind: status.Disconnected},
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		resp.State = s.conn.ConnectionState()
	}
	return resp, nil
}

func (s *TrackingService) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not configured")
	}
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(&EventEnvelope{
				EventID:          uuid.New().String(),
				Profile:          s.profile,
				OccurredAtUnixMs: envelopeTime(evt.Timestamp),
				Kind:             evt.Kind,
				Payload:          evt.Payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return grpcstatus.Error(codes.Unavailable, "daemon shutting down")
		}
	}
}
