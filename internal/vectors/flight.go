package vectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-cleartext/internal/logger"
)

// DefaultPort is the Flight port the vector service listens on.
const DefaultPort = 3000

// FlightClient fetches vector tables from an Arrow Flight service. Tables are addressed by a
// path descriptor holding the table name.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}
}

func (fc *FlightClient) Addr() string {
	return fc.addr
}

// Connect dials the service. It does not block on the connection becoming ready.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Fetch resolves name through GetFlightInfo and streams the table from the first endpoint.
func (fc *FlightClient) Fetch(ctx context.Context, name string) (*Table, error) {
	if fc.client == nil {
		return nil, errors.New("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	start := time.Now()
	desc := &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}}
	info, err := fc.client.GetFlightInfo(ctx, desc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get flight info: %w", err)
	}
	if len(info.Endpoint) == 0 {
		return nil, fmt.Errorf("%w: %s has no endpoints", ErrNotFound, name)
	}

	stream, err := fc.client.DoGet(ctx, info.Endpoint[0].Ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to start DoGet: %w", err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open record stream: %w", err)
	}
	defer reader.Release()

	table, err := readRecords(reader)
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("Fetched vector table",
		"addr", fc.addr,
		"name", name,
		"words", table.Len(),
		"dim", table.Dim(),
		"duration_ms", time.Since(start).Milliseconds())
	return table, nil
}
