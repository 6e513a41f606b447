// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionDDLCoversAllPartitions(t *testing.T) {
	seen := make(map[int]bool)
	for p := 0; p < partitionCount; p++ {
		ddl := partitionDDL("hmsh_acme", p)
		require.Contains(t, ddl, "streams_part_")
		require.Contains(t, ddl, "MODULUS 8")
		seen[p] = strings.Contains(ddl, "REMAINDER "+string(rune('0'+p)))
	}
	for p := 0; p < partitionCount; p++ {
		require.True(t, seen[p], "partition %d DDL missing expected REMAINDER clause", p)
	}
}

func TestSanitizedSuffixStripsSchemaPrefix(t *testing.T) {
	require.Equal(t, "acme", sanitizedSuffix("acme"))
}

func TestDDLTemplateIsIdempotent(t *testing.T) {
	ddl := ddlTemplate
	require.Contains(t, ddl, "CREATE SCHEMA IF NOT EXISTS")
	require.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS")
	require.Contains(t, ddl, "CREATE INDEX IF NOT EXISTS")
	require.Contains(t, ddl, "PARTITION BY HASH (stream_name)")
	require.Contains(t, ddl, "CREATE OR REPLACE FUNCTION")
}
