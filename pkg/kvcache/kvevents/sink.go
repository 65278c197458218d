// Copyright 2025 The llm-d Authors.
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

package kvevents

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/utils/logging"
)

// LoggingSink is a Sink that records every event at debug verbosity. It is
// meant as a starting point for wiring a Pool, not as a real observer.
type LoggingSink struct{}

func (LoggingSink) BlockStored(ctx context.Context, managerID, modelName string, hashes []uint64, parentHash *uint64, tokenIDs []uint32, blockSize int, loraID *int) {
	klog.FromContext(ctx).V(logging.DEBUG).Info("block stored",
		"managerID", managerID, "modelName", modelName, "hashes", hashes,
		"parentHash", parentHash, "blockSize", blockSize, "loraID", loraID)
}

func (LoggingSink) BlockRemoved(ctx context.Context, managerID, modelName string, hashes []uint64) {
	klog.FromContext(ctx).V(logging.DEBUG).Info("block removed",
		"managerID", managerID, "modelName", modelName, "hashes", hashes)
}

func (LoggingSink) AllBlocksCleared(ctx context.Context, managerID, modelName string) {
	klog.FromContext(ctx).V(logging.DEBUG).Info("all blocks cleared",
		"managerID", managerID, "modelName", modelName)
}
