// Package visualiser streams processed frames to downstream viewers over
// gRPC.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/trajectory.report/internal/monitoring"
	"github.com/banshee-data/trajectory.report/internal/tracking"
)

// Config holds configuration for the frame publisher.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients caps concurrent subscribers; 0 means unlimited.
	MaxClients int

	// QueueSize is the depth of the broadcast queue and of each client queue.
	QueueSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50051",
		MaxClients: 5,
		QueueSize:  64,
	}
}

// Publisher owns the gRPC server and fans frames out to subscribers.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *tracking.FrameResult
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	frameCh chan *tracking.FrameResult
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// NewPublisher creates a Publisher and registers the frame service on its
// gRPC server.
func NewPublisher(cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	p := &Publisher{
		config:    cfg,
		frameChan: make(chan *tracking.FrameResult, cfg.QueueSize),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
		server:    grpc.NewServer(),
	}
	RegisterFrameService(p.server, &frameServer{publisher: p})
	return p
}

// Start listens on Config.ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Publisher] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Publisher] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.Stop()
	p.wg.Wait()
	monitoring.Logf("[Publisher] stopped after %d frames (%d dropped)", p.frameCount.Load(), p.droppedFrames.Load())
}

// Publish queues res for every subscriber without blocking. Frames are
// dropped when the queue is full.
func (p *Publisher) Publish(res *tracking.FrameResult) {
	if !p.running.Load() || res == nil {
		return
	}
	select {
	case p.frameChan <- res:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Debugf("[Publisher] dropped frame %d (total dropped: %d), queue full", res.Frame, dropped)
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- frame:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("too many clients (max %d)", p.config.MaxClients)
	}
	c := &clientStream{
		id:      fmt.Sprintf("client-%d-%d", p.nextID.Add(1), time.Now().UnixNano()),
		frameCh: make(chan *tracking.FrameResult, p.config.QueueSize),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	monitoring.Logf("[Publisher] client connected: %s (total: %d)", c.id, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Logf("[Publisher] client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// GRPCServer returns the underlying gRPC server for extra registrations.
func (p *Publisher) GRPCServer() *grpc.Server {
	return p.server
}
