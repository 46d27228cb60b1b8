// Package cachetier talks to a remote cache tier over gRPC. Messages are
// google.protobuf.Struct values carrying the JSON shape of the core types,
// so no generated stubs are needed on either side.
package cachetier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/service"
)

const (
	ServiceName = "flagedge.cache.v1.CacheTier"

	getDetailsMethod    = "/" + ServiceName + "/GetDetails"
	streamUpdatesMethod = "/" + ServiceName + "/StreamUpdates"
)

var streamUpdatesDesc = &grpc.StreamDesc{
	StreamName:    "StreamUpdates",
	ServerStreams: true,
}

type Config struct {
	// Address is the host:port of the cache tier.
	Address string
	// Token, when set, is sent as a bearer token on every call.
	Token string
	// DialOpts replace the default insecure transport credentials.
	DialOpts []grpc.DialOption
}

// Client implements service.CacheTier and stream.UpdateSubscriber.
type Client struct {
	token string
	conn  grpc.ClientConnInterface
	close func() error
}

func Dial(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("cache tier dial: %w", err)
	}

	return &Client{token: cfg.Token, conn: conn, close: conn.Close}, nil
}

// New wraps an existing connection. Close is a no-op for such clients.
func New(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{token: token, conn: conn, close: func() error { return nil }}
}

func (c *Client) Close() error {
	return c.close()
}

func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Ping asks the cache tier's standard health service whether it is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(c.authCtx(ctx), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("%w: %w", service.ErrCacheUnavailable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", service.ErrCacheUnavailable, resp.GetStatus())
	}
	return nil
}

type detailsRequest struct {
	CacheName         string `json:"cacheName"`
	EnvironmentID     string `json:"environmentId"`
	ServiceCredential string `json:"serviceCredential"`
}

type detailsMessage struct {
	ETag     string              `json:"etag"`
	Features []core.CacheFeature `json:"features"`
	Metadata service.Metadata    `json:"metadata"`
}

func (c *Client) GetDetails(ctx context.Context, key core.Key) (service.Details, error) {
	req, err := encodeStruct(detailsRequest{
		CacheName:         key.CacheName,
		EnvironmentID:     key.EnvironmentID.String(),
		ServiceCredential: key.ServiceCredential,
	})
	if err != nil {
		return service.Details{}, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), getDetailsMethod, req, resp); err != nil {
		return service.Details{}, mapStatusError(key, err)
	}

	var message detailsMessage
	if err := decodeStruct(resp, &message); err != nil {
		return service.Details{}, fmt.Errorf("%w: %v", service.ErrCacheUnavailable, err)
	}
	if message.ETag == "" {
		return service.Details{}, fmt.Errorf("%w: details for %s carry no etag", service.ErrCacheUnavailable, key)
	}

	return service.Details{
		Features: message.Features,
		ETag:     message.ETag,
		Metadata: message.Metadata,
	}, nil
}

// SubscribeFeatureUpdates opens the update stream. The channel closes when
// ctx ends or the stream breaks.
func (c *Client) SubscribeFeatureUpdates(ctx context.Context) (<-chan core.FeatureUpdate, error) {
	stream, err := c.conn.NewStream(c.authCtx(ctx), streamUpdatesDesc, streamUpdatesMethod)
	if err != nil {
		return nil, fmt.Errorf("open update stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("send update subscription: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close update subscription: %w", err)
	}

	updates := make(chan core.FeatureUpdate, 16)
	go func() {
		defer close(updates)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				return
			}

			var update core.FeatureUpdate
			if err := decodeStruct(msg, &update); err != nil {
				continue
			}

			select {
			case updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

func mapStatusError(key core.Key, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", service.ErrKeyNotFound, key)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", service.ErrCacheUnavailable, err)
	}
	return fmt.Errorf("%w: get details: %v", service.ErrCacheUnavailable, err)
}

// encodeStruct converts v to a Struct by way of its JSON form.
func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return msg, nil
}

func decodeStruct(msg *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
