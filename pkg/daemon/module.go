package daemon

import (
	"context"

	"github.com/go-chi/chi/v5"
)

type Module interface {
	Name() string
	Init(d *Daemon) error
	RegisterRoutes(r chi.Router)
	Start(ctx context.Context) error
	Stop() error
}
