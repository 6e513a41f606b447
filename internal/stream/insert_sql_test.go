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

package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildInsertSQLOmitsRetryColumnsWhenUniform(t *testing.T) {
	rows := []insertRow{
		{groupName: "WORKER", message: []byte(`{}`)},
		{groupName: "WORKER", message: []byte(`{}`)},
	}
	sql, args := buildInsertSQL("hmsh_app.streams", "s1", rows, false)
	require.Contains(t, sql, "(stream_name, group_name, message)")
	require.NotContains(t, sql, "DEFAULT")
	require.Len(t, args, 6) // 3 columns * 2 rows
}

func TestBuildInsertSQLEmitsDefaultSentinelForHeterogeneousBatch(t *testing.T) {
	attempt := 1
	rows := []insertRow{
		{groupName: "WORKER", message: []byte(`{}`)}, // no control fields
		{groupName: "WORKER", message: []byte(`{}`), ctrl: ControlFields{RetryAttempt: &attempt}},
	}
	sql, args := buildInsertSQL("hmsh_app.streams", "s1", rows, true)

	require.Contains(t, sql, "visible_at, retry_attempt, max_retry_attempts, backoff_coefficient, maximum_interval_seconds")
	// Row 1 sets no control fields: all 5 retry columns default.
	// Row 2 sets only retry_attempt: the other 4 retry columns default.
	require.Equal(t, 5+4, strings.Count(sql, "DEFAULT"))

	// 3 plain columns + 1 explicit retry_attempt placeholder across both rows.
	require.Len(t, args, 3+3+1)
}

func TestToInt64sRejectsNonNumeric(t *testing.T) {
	_, err := toInt64s([]string{"12", "abc"})
	require.Error(t, err)
}

func TestToInt64sParsesAll(t *testing.T) {
	ids, err := toInt64s([]string{"12", "34"})
	require.NoError(t, err)
	require.Equal(t, []int64{12, 34}, ids)
}
