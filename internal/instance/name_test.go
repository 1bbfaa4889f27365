// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instance

import "testing"

func TestParseConnName(t *testing.T) {
	tcs := []struct {
		desc string
		in   string
		want ConnName
	}{
		{
			desc: "vanilla connection name",
			in:   "proj:reg:name",
			want: ConnName{Project: "proj", Region: "reg", Name: "name"},
		},
		{
			desc: "with legacy domain-scoped project",
			in:   "google.com:proj:reg:name",
			want: ConnName{Project: "google.com:proj", Region: "reg", Name: "name"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseConnName(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestParseConnNameErrors(t *testing.T) {
	tcs := []string{
		"not-correct",
		"region:name",
		"::",
		"",
	}
	for _, in := range tcs {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseConnName(in); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestConnNameString(t *testing.T) {
	c := ConnName{Project: "proj", Region: "reg", Name: "name"}
	want := "proj:reg:name"
	if got := c.String(); got != want {
		t.Fatalf("String() = %v, want = %v", got, want)
	}
}
