// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"time"
)

// NoopManager returns an observability Manager that does nothing; used when
// observability is disabled entirely.
func NoopManager() *Manager {
	return &Manager{}
}

// NoopRecorder is a Recorder implementation that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) RecordStep(context.Context, string, time.Duration, bool, error) {}
func (NoopRecorder) RecordHibernate(context.Context, time.Duration, error)          {}
func (NoopRecorder) RecordGet(context.Context, bool, time.Duration, error)          {}
func (NoopRecorder) RecordCrash(context.Context, string)                           {}
func (NoopRecorder) RecordDLQ(context.Context, string)                             {}

var _ Recorder = NoopRecorder{}
