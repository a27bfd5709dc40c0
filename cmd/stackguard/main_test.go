package main

import (
	"testing"

	"github.com/danmuck/stackguard/internal/shadow"
)

func TestMain(m *testing.M) {
	shadow.MaybeRunWorker()
	m.Run()
}
