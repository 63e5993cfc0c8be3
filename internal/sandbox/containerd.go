package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client is a containerd connection scoped to one namespace.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
	pulls  sync.Map // image ref -> *sync.Mutex
}

// NewClient dials containerd and checks that it answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}
	return inner, nil
}

// Raw returns the underlying containerd client.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Reconnect replaces the connection after containerd restarts.
func (c *Client) Reconnect(ctx context.Context) error {
	inner, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return fmt.Errorf("reconnecting to containerd: %w", err)
	}

	c.mu.Lock()
	old := c.inner
	c.inner = inner
	c.closed = false
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Info().Msg("reconnected to containerd")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage returns ref from the local store, pulling it once if missing.
// Concurrent callers for the same ref share a single pull.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	inner := c.Raw()

	if image, err := inner.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	m, _ := c.pulls.LoadOrStore(ref, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if image, err := inner.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	start := time.Now()
	image, err := inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("image pulled")
	return image, nil
}
