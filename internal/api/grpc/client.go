package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Client представляет gRPC клиент
type Client struct {
	conn *grpc.ClientConn
	log  *logger.Logger
}

// ClientOptions настройки для gRPC клиента
type ClientOptions struct {
	Address          string
	UseTLS           bool
	KeepAlive        bool
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultClientOptions возвращает настройки по умолчанию
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Address:          "localhost:50051",
		UseTLS:           false,
		KeepAlive:        true,
		KeepAliveTime:    time.Minute,
		KeepAliveTimeout: time.Second * 20,
	}
}

// NewClient создает новый gRPC клиент
func NewClient(opts *ClientOptions, log *logger.Logger) (*Client, error) {
	log.Debugw("Creating gRPC client", "address", opts.Address)

	dialOpts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))}
	if opts.UseTLS {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if opts.KeepAlive {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepAliveTime,
			Timeout:             opts.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server: %w", err)
	}
	return &Client{conn: conn, log: log}, nil
}

// Close закрывает соединение с gRPC сервером
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Conn возвращает gRPC соединение
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Jobs клиент сервиса задач
func (c *Client) Jobs() *JobServiceClient {
	return NewJobServiceClient(c.conn)
}

// WithToken добавляет Bearer-токен в исходящие метаданные
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// JobServiceClient клиент ledger.v1.JobService
type JobServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewJobServiceClient создает клиент поверх соединения
func NewJobServiceClient(cc grpc.ClientConnInterface) *JobServiceClient {
	return &JobServiceClient{cc: cc}
}

func (c *JobServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+JobServiceName+"/"+method, in, out, opts...)
}

func (c *JobServiceClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	out := new(JobResponse)
	if err := c.invoke(ctx, "SubmitJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) CompleteJob(ctx context.Context, in *CompleteJobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	out := new(JobResponse)
	if err := c.invoke(ctx, "CompleteJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) FailJob(ctx context.Context, in *FailJobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	out := new(JobResponse)
	if err := c.invoke(ctx, "FailJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) GetJob(ctx context.Context, in *GetJobRequest, opts ...grpc.CallOption) (*JobResponse, error) {
	out := new(JobResponse)
	if err := c.invoke(ctx, "GetJob", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) CheckBalance(ctx context.Context, in *CheckBalanceRequest, opts ...grpc.CallOption) (*CheckBalanceResponse, error) {
	out := new(CheckBalanceResponse)
	if err := c.invoke(ctx, "CheckBalance", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
