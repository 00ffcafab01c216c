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

package broker_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/broker"
)

var _ = Describe("Passive", func() {
	It("tracks wanted topics", func() {
		p := broker.NewPassive()
		Expect(p.Subscribe(context.Background(), "plant/temp")).To(Succeed())
		Expect(p.Wants("plant/temp")).To(BeTrue())
		Expect(p.Wants("plant/other")).To(BeFalse())
		Expect(p.Unsubscribe(context.Background(), "plant/temp")).To(Succeed())
		Expect(p.Topics()).To(BeEmpty())
	})
})
