package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"flixkeeper/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Gateway wraps a Connector so that connecting and every call on the returned
// handle run under a bounded timeout. Timeouts and transport failures surface
// as domain.ErrOffline; not-found answers pass through unchanged.
type Gateway struct {
	connector Connector
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewGateway(connector Connector, timeout time.Duration, logger *logrus.Logger) *Gateway {
	if connector == nil {
		connector = Offline{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{connector: connector, timeout: timeout, logger: logger}
}

func (g *Gateway) Connect(ctx context.Context) (Library, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	lib, err := g.connector.Connect(cctx)
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrOffline) {
			g.logger.Debugf("library offline: %v", err)
		}
		return nil, err
	}
	if lib == nil {
		return nil, domain.ErrOffline
	}
	return &boundedLibrary{inner: lib, timeout: g.timeout}, nil
}

// classify maps an arbitrary collaborator error onto the error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrOffline):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrOffline, err)
	}
}

type boundedLibrary struct {
	inner   Library
	timeout time.Duration
}

func (b *boundedLibrary) ListFilms(ctx context.Context) ([]Film, error) {
	ctx, cancel := context.WithTimeout(ctx, b.listTimeout())
	defer cancel()
	films, err := b.inner.ListFilms(ctx)
	return films, classify(err)
}

func (b *boundedLibrary) ListSeries(ctx context.Context) ([]Show, error) {
	ctx, cancel := context.WithTimeout(ctx, b.listTimeout())
	defer cancel()
	shows, err := b.inner.ListSeries(ctx)
	return shows, classify(err)
}

func (b *boundedLibrary) FetchByID(ctx context.Context, id string) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	item, err := b.inner.FetchByID(ctx, id)
	return item, classify(err)
}

func (b *boundedLibrary) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return classify(b.inner.DeleteByID(ctx, id))
}

func (b *boundedLibrary) DeleteByTitle(ctx context.Context, kind domain.MediaKind, title string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return classify(b.inner.DeleteByTitle(ctx, kind, title))
}

func (b *boundedLibrary) RescanSection(ctx context.Context, kind domain.MediaKind) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return classify(b.inner.RescanSection(ctx, kind))
}

// full listings walk every show, so they get more room than point lookups
func (b *boundedLibrary) listTimeout() time.Duration {
	return 12 * b.timeout
}

var _ Connector = (*Gateway)(nil)
