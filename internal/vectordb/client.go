package vectordb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Object is one stored record: an id plus a flat payload. Complex
// values (envelope lists, config bodies) are stored as JSON strings so
// they round-trip byte-equal.
type Object struct {
	ID      string
	Payload map[string]any
}

// Store is the subset of vector-database operations the core uses.
// Snapshot, config and feedback stores all run through it; tests
// substitute an in-memory implementation.
type Store interface {
	EnsureCollection(ctx context.Context, collection string) error
	CollectionExists(ctx context.Context, collection string) (bool, error)
	Upsert(ctx context.Context, collection string, obj Object) error
	FetchByFilter(ctx context.Context, collection string, filter map[string]any, limit int) ([]Object, error)
	CountByFilter(ctx context.Context, collection string, filter map[string]any) (uint64, error)
	SearchText(ctx context.Context, collection, field, text string, limit int) ([]Object, error)
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	Close() error
}

// Client wraps a qdrant connection behind the Store interface.
type Client struct {
	qc *qdrant.Client
}

// parseDestination splits a destination URL ("https://host:6334",
// "host:6334", "host") into qdrant client parameters.
func parseDestination(dest string) (host string, port int, useTLS bool, err error) {
	raw := dest
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("destination url %q: %w", dest, err)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("destination url %q: no host", dest)
	}
	useTLS = u.Scheme == "https"
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("destination url %q: bad port", dest)
		}
	}
	return host, port, useTLS, nil
}

// Open dials the vector database. The connection is lazy on the grpc
// side; the first call carries the real handshake.
func Open(destURL, apiKey string) (*Client, error) {
	host, port, useTLS, err := parseDestination(destURL)
	if err != nil {
		return nil, err
	}
	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, errs.Upstream("open vector database client: %v", err)
	}
	return &Client{qc: qc}, nil
}

func (c *Client) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := c.qc.CollectionExists(ctx, collection)
	if err != nil {
		return false, errs.Upstream("collection exists %s: %v", collection, err)
	}
	return exists, nil
}

// EnsureCollection creates the collection if missing. Stored objects
// are payload-keyed; the vector config is a minimal placeholder.
func (c *Client) EnsureCollection(ctx context.Context, collection string) error {
	exists, err := c.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	err = c.qc.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     1,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return errs.Upstream("create collection %s: %v", collection, err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, collection string, obj Object) error {
	if err := c.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	payload, err := toQdrantPayload(obj.Payload)
	if err != nil {
		return err
	}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(obj.ID),
		Vectors: qdrant.NewVectors(0),
		Payload: payload,
	}
	_, err = c.qc.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return errs.Upstream("upsert into %s: %v", collection, err)
	}
	return nil
}

func (c *Client) FetchByFilter(ctx context.Context, collection string, filter map[string]any, limit int) ([]Object, error) {
	if limit <= 0 {
		limit = 100
	}
	points, err := c.qc.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errs.Upstream("scroll %s: %v", collection, err)
	}

	objs := make([]Object, 0, len(points))
	for _, p := range points {
		objs = append(objs, Object{
			ID:      pointID(p.Id),
			Payload: fromQdrantPayload(p.Payload),
		})
	}
	return objs, nil
}

func (c *Client) CountByFilter(ctx context.Context, collection string, filter map[string]any) (uint64, error) {
	count, err := c.qc.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return 0, errs.Upstream("count %s: %v", collection, err)
	}
	return count, nil
}

// SearchText runs a full-text payload match on one field. The external
// database owns the text index; the core only expresses the filter.
func (c *Client) SearchText(ctx context.Context, collection, field, text string, limit int) ([]Object, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: field,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Text{Text: text},
					},
				},
			},
		}},
	}
	points, err := c.qc.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errs.Upstream("search %s: %v", collection, err)
	}
	objs := make([]Object, 0, len(points))
	for _, p := range points {
		objs = append(objs, Object{
			ID:      pointID(p.Id),
			Payload: fromQdrantPayload(p.Payload),
		})
	}
	return objs, nil
}

func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	_, err := c.qc.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildFilter(filter),
			},
		},
	})
	if err != nil {
		return errs.Upstream("delete from %s: %v", collection, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.qc.Close()
}

func buildFilter(filter map[string]any) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, matchCondition(key, value))
	}
	return &qdrant.Filter{Must: conditions}
}

// matchCondition picks the match variant for the value's kind. A
// boolean or integer filter must stay typed; rendering it as a keyword
// matches nothing.
func matchCondition(key string, value any) *qdrant.Condition {
	switch v := value.(type) {
	case bool:
		return qdrant.NewMatchBool(key, v)
	case int:
		return qdrant.NewMatchInt(key, int64(v))
	case int64:
		return qdrant.NewMatchInt(key, v)
	case uint64:
		return qdrant.NewMatchInt(key, int64(v))
	case float64:
		if v == float64(int64(v)) {
			return qdrant.NewMatchInt(key, int64(v))
		}
		return qdrant.NewMatchKeyword(key, strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		return qdrant.NewMatchKeyword(key, v)
	default:
		return qdrant.NewMatchKeyword(key, fmt.Sprintf("%v", v))
	}
}

func toQdrantPayload(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload))
	for key, value := range payload {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("payload value for %s: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		switch v := value.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = v.BoolValue
		default:
			out[key] = value
		}
	}
	return out
}

func pointID(id *qdrant.PointId) string {
	if id == nil || id.PointIdOptions == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	}
	return ""
}
