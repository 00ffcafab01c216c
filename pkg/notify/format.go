// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/threshold"
)

// FormatAlert renders the subject and plain-text body of a threshold alert.
func FormatAlert(a threshold.Alert) (subject, body string) {
	alertType, severity, action := "Warning", "warning", "WARNING: Monitor situation closely."
	if a.Critical {
		alertType, severity, action = "Danger", "critical", "IMMEDIATE ACTION REQUIRED: Critical threshold exceeded!"
	}

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	subject = fmt.Sprintf("%s: %s Threshold Exceeded", alertType, a.Topic)

	var b strings.Builder
	fmt.Fprintf(&b, "%s Alert for %s\n", alertType, a.Topic)
	fmt.Fprintf(&b, "Current Value: %s\n", strconv.FormatFloat(a.Value, 'f', -1, 64))
	fmt.Fprintf(&b, "Threshold: %s\n", strconv.FormatFloat(a.Threshold.Value, 'f', -1, 64))
	fmt.Fprintf(&b, "Severity: %s\n", severity)
	fmt.Fprintf(&b, "Timestamp: %s\n", at.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString(action)
	return subject, b.String()
}
