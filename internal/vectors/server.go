package vectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-cleartext/internal/logger"
)

// Service publishes in-memory vector tables over Arrow Flight, one flight per table name.
type Service struct {
	flight.BaseFlightServer

	mu     sync.RWMutex
	tables map[string]*Table
	mem    memory.Allocator
}

func NewService() *Service {
	return &Service{
		tables: make(map[string]*Table),
		mem:    memory.NewGoAllocator(),
	}
}

func (s *Service) Put(name string, t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = t
}

func (s *Service) table(name string) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	return t, ok
}

// Fetch lets a Service stand in for a remote source in-process.
func (s *Service) Fetch(_ context.Context, name string) (*Table, error) {
	t, ok := s.table(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

func (s *Service) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if desc.GetType() != flight.DescriptorPATH || len(desc.GetPath()) != 1 {
		return nil, status.Error(codes.InvalidArgument, "expected a single-element path descriptor")
	}
	name := desc.GetPath()[0]
	t, ok := s.table(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no vector table %q", name)
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(Schema(t.Dim()), s.mem),
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
		TotalRecords:     int64(t.Len()),
		TotalBytes:       -1,
	}, nil
}

func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(ticket.GetTicket())
	t, ok := s.table(name)
	if !ok {
		return status.Errorf(codes.NotFound, "no vector table %q", name)
	}
	rec := t.Record(s.mem)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "write %q: %v", name, err)
	}
	logger.Log.Debug("Served vector table", "name", name, "words", t.Len())
	return nil
}

// Serve starts a Flight server for svc on addr ("host:port", port 0 picks a free one).
// The returned server is already accepting; stop it with Shutdown.
func Serve(addr string, svc *Service) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	server.RegisterFlightService(svc)
	go func() {
		if err := server.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("Vector service listening", "addr", server.Addr().String())
	return server, nil
}
