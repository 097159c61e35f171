/*
Copyright 2024 Domino Data Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package signals wires OS interrupts to context cancellation so running
// operations can finish their active item, revert registry state, and save a
// final checkpoint.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// SetupContext returns a context cancelled on SIGINT/SIGTERM. A second
// signal exits immediately.
func SetupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logrus.Warnf("Received %s, finishing the active item and cleaning up (repeat to force quit)", sig)
		cancel()
		<-ch
		logrus.Error("Forced exit")
		os.Exit(1)
	}()

	return ctx
}
