// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

// Package common holds small process-level helpers shared across the
// runtime's commands.
package common

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// RootContext returns the process root context: cancelled on the first
// SIGINT or SIGTERM, so everything hung off it unwinds on an operator
// interrupt. After the first signal the handler is removed, leaving a
// second signal at its default disposition to kill a process that is
// stuck shutting down.
func RootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer cancel()
		defer signal.Stop(ch)
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
