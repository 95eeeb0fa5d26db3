// Package grpc 管理 gRPC 客戶端連線，每個目標只保留一條連線
package grpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ErrPoolClosed 連線池已關閉
var ErrPoolClosed = errors.New("grpc pool closed")

// Pool 依目標地址快取 *grpc.ClientConn，可併發使用
type Pool struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool

	interceptors []grpc.UnaryClientInterceptor
	dialOpts     []grpc.DialOption
	keepalive    keepalive.ClientParameters
}

// PoolOption 定義了 Pool 的配置選項函數
type PoolOption func(*Pool)

// WithInterceptor 加入 UnaryClientInterceptor (logging、metadata 注入等)，依加入順序串接
func WithInterceptor(interceptor grpc.UnaryClientInterceptor) PoolOption {
	return func(p *Pool) {
		p.interceptors = append(p.interceptors, interceptor)
	}
}

// WithDialOptions 附加到每條新連線的 DialOption，例如測試用的 bufconn dialer
func WithDialOptions(opts ...grpc.DialOption) PoolOption {
	return func(p *Pool) {
		p.dialOpts = append(p.dialOpts, opts...)
	}
}

// WithKeepalive 覆寫預設的 keepalive 參數
func WithKeepalive(params keepalive.ClientParameters) PoolOption {
	return func(p *Pool) {
		p.keepalive = params
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		conns: make(map[string]*grpc.ClientConn),
		keepalive: keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             time.Second,
			PermitWithoutStream: true,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetConnection 取得 target 的連線，沒有或已 Shutdown 時重新建立
//
// 參數:
//
//	target: 目標地址 (e.g., "localhost:50051")
//	opts: 只套用在這次新建連線的額外選項
//
// 回傳值:
//
//	*grpc.ClientConn: 連線 (lazy，第一次呼叫才真正連線)
//	error: 連線池已關閉或建立失敗
func (p *Pool) GetConnection(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if conn, ok := p.conns[target]; ok {
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		delete(p.conns, target)
	}

	// 內部網路預設不加密，需要 TLS 時由 opts 覆寫 credentials
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(p.keepalive),
	}
	if len(p.interceptors) > 0 {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(p.interceptors...))
	}
	dialOpts = append(dialOpts, p.dialOpts...)
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for target %s: %w", target, err)
	}
	p.conns[target] = conn
	return conn, nil
}

// Size 目前快取的連線數
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close 關閉所有連線，之後 GetConnection 會回傳 ErrPoolClosed
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
		delete(p.conns, target)
	}
	return errors.Join(errs...)
}
