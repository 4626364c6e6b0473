//go:build !nogst

package main

import (
	"github.com/wilsonzlin/meetflow/internal/compositor"
	"github.com/wilsonzlin/meetflow/internal/compositor/gstbackend"
)

func compositorBackend() compositor.Backend { return gstbackend.Backend{} }
