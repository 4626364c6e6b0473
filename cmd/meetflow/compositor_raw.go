//go:build nogst

package main

import "github.com/wilsonzlin/meetflow/internal/compositor"

func compositorBackend() compositor.Backend { return compositor.RawBackend{} }
