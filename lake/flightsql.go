package lake

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	"github.com/apache/arrow/go/v14/arrow/flight/flightsql"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/tracklake/tracklake/core"
)

// FlightSQLServer serves lake queries over Arrow Flight SQL so BI tools
// and dataframe clients can pull result sets without JSON overhead.
type FlightSQLServer struct {
	flightgen.UnimplementedFlightServiceServer
	flightsql.BaseServer
	lake *Lake
	mem  memory.Allocator

	// Finished query results parked until the client redeems its ticket.
	results     map[string]arrow.Record
	resultsLock sync.RWMutex

	flightReq int32
}

func (s *FlightSQLServer) mustEmbedUnimplementedFlightServiceServer() {}

// NewFlightSQLServer creates a new FlightSQL server instance
func NewFlightSQLServer(lake *Lake) *FlightSQLServer {
	return &FlightSQLServer{
		lake:    lake,
		mem:     memory.DefaultAllocator,
		results: make(map[string]arrow.Record),
	}
}

func (s *FlightSQLServer) requestCtx(ctx context.Context) context.Context {
	return core.WithDefaultLogger(ctx, fmt.Sprintf("flight-%d", atomic.AddInt32(&s.flightReq, 1)))
}

// PollFlightInfo implements the FlightService interface
func (s *FlightSQLServer) PollFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.PollInfo, error) {
	return nil, nil
}

// ListFlights implements the FlightService interface
func (s *FlightSQLServer) ListFlights(criteria *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	return nil
}

// ListActions implements the FlightService interface
func (s *FlightSQLServer) ListActions(request *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	return nil
}

// Handshake echoes the client payload; there is no authentication layer.
func (s *FlightSQLServer) Handshake(stream flight.FlightService_HandshakeServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.HandshakeResponse{Payload: req.Payload}); err != nil {
			return err
		}
	}
}

// GetSchema implements the FlightService interface
func (s *FlightSQLServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	return nil, fmt.Errorf("schema requests not supported")
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// sanitizeQuery flattens multi-line statements and strips control bytes
// some Flight clients leave in the command payload.
func sanitizeQuery(raw string) string {
	query := strings.TrimSpace(raw)
	query = strings.NewReplacer("\n", " ", "\r", " ", "\b", "").Replace(query)
	query = whitespaceRe.ReplaceAllString(query, " ")
	return strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return -1
		}
		return r
	}, query)
}

// GetFlightInfo executes a statement command and parks the result batch
// under a fresh ticket for the follow-up DoGet.
func (s *FlightSQLServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	ctx = s.requestCtx(ctx)

	if desc.Type != flight.DescriptorCMD {
		return nil, fmt.Errorf("unsupported flight descriptor type: %v", desc.Type)
	}

	any := &anypb.Any{}
	if err := proto.Unmarshal(desc.Cmd, any); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if any.TypeUrl != "type.googleapis.com/arrow.flight.protocol.sql.CommandStatementQuery" {
		return nil, fmt.Errorf("unsupported command type: %s", any.TypeUrl)
	}

	query := sanitizeQuery(string(any.Value))
	core.Debugf(ctx, "executing flight query: %s", query)

	results, err := s.lake.Query(ctx, query)
	if err != nil {
		core.Errorf(ctx, "flight query failed: %v", err)
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	recordBatch, err := convertResultsToArrow(results)
	if err != nil {
		return nil, fmt.Errorf("failed to convert results to Arrow format: %w", err)
	}

	ticketID := "query-" + uuid.NewString()
	s.resultsLock.Lock()
	s.results[ticketID] = recordBatch
	s.resultsLock.Unlock()

	info := &flight.FlightInfo{
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{
			{Ticket: &flight.Ticket{Ticket: []byte(ticketID)}},
		},
		TotalRecords: recordBatch.NumRows(),
		TotalBytes:   -1,
		Schema:       []byte{}, // sent in DoGet
	}
	core.Infof(ctx, "flight query produced %d rows", recordBatch.NumRows())
	return info, nil
}

// GetFlightInfoStatement handles clients that skip the Any envelope and
// put the statement directly in the descriptor.
func (s *FlightSQLServer) GetFlightInfoStatement(ctx context.Context, cmd *flightsql.StatementQuery, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	ctx = s.requestCtx(ctx)

	query := sanitizeQuery(string(desc.Cmd))
	results, err := s.lake.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	recordBatch, err := convertResultsToArrow(results)
	if err != nil {
		return nil, fmt.Errorf("failed to convert results to Arrow format: %w", err)
	}

	ticketID := "query-" + uuid.NewString()
	s.resultsLock.Lock()
	s.results[ticketID] = recordBatch
	s.resultsLock.Unlock()

	return &flight.FlightInfo{
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{
			{Ticket: &flight.Ticket{Ticket: []byte(ticketID)}},
		},
		TotalRecords: recordBatch.NumRows(),
		TotalBytes:   -1,
		Schema:       []byte{},
	}, nil
}

// DoGet streams a parked result batch and discards it; tickets are
// single use.
func (s *FlightSQLServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	s.resultsLock.RLock()
	recordBatch, exists := s.results[string(ticket.Ticket)]
	s.resultsLock.RUnlock()

	if !exists {
		return fmt.Errorf("no results found for ticket: %s", string(ticket.Ticket))
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(recordBatch.Schema()))
	if err := writer.Write(recordBatch); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}

	s.resultsLock.Lock()
	delete(s.results, string(ticket.Ticket))
	s.resultsLock.Unlock()

	return writer.Close()
}

// DoPut implements the FlightService interface
func (s *FlightSQLServer) DoPut(stream flight.FlightService_DoPutServer) error {
	return fmt.Errorf("put not supported")
}

// DoAction implements the FlightService interface
func (s *FlightSQLServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	return fmt.Errorf("action %s not supported", action.Type)
}

// DoExchange implements the FlightService interface
func (s *FlightSQLServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("exchange not supported")
}

// convertResultsToArrow builds one record batch from scanned rows. Row
// values come from the DuckDB driver, so the only scalar kinds to map
// are int64, float64, string, bool and time.Time. Columns are emitted
// in name order for a stable schema across calls.
func convertResultsToArrow(results []map[string]interface{}) (arrow.Record, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no results to convert")
	}

	names := make([]string, 0, len(results[0]))
	for name := range results[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	tsType := &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: columnArrowType(name, results, tsType), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	allocator := memory.DefaultAllocator
	arrays := make([]arrow.Array, len(fields))
	for i, field := range fields {
		builder := array.NewBuilder(allocator, field.Type)
		for _, row := range results {
			appendValue(builder, row[field.Name])
		}
		arrays[i] = builder.NewArray()
		builder.Release()
	}

	return array.NewRecord(schema, arrays, int64(len(results))), nil
}

// columnArrowType picks a column's Arrow type from its first non-null
// value. All-null columns fall back to string.
func columnArrowType(name string, results []map[string]interface{}, tsType arrow.DataType) arrow.DataType {
	for _, row := range results {
		switch row[name].(type) {
		case nil:
			continue
		case int64:
			return arrow.PrimitiveTypes.Int64
		case float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case time.Time:
			return tsType
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendValue(builder array.Builder, val interface{}) {
	if val == nil {
		builder.AppendNull()
		return
	}
	switch b := builder.(type) {
	case *array.Int64Builder:
		if v, ok := val.(int64); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(v)
		case int64:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UTC().UnixMicro()))
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		b.Append(fmt.Sprintf("%v", val))
	default:
		builder.AppendNull()
	}
}

// StartFlightSQLServer starts the FlightSQL server
func StartFlightSQLServer(port int, lake *Lake) error {
	server := NewFlightSQLServer(lake)
	s := grpc.NewServer()
	flightgen.RegisterFlightServiceServer(s, server)
	reflection.Register(s)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	core.Infof(context.Background(), "FlightSQL server listening on port %d", port)
	return s.Serve(lis)
}
