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

// Package instance parses and represents Cloud SQL instance connection
// names.
package instance

import (
	"fmt"
	"regexp"

	"cloud.google.com/go/cloudsqlconn/errtype"
)

// connNameRegex matches the connection name of the form
// "project:region:instance" and allows for legacy "domain-scoped" projects
// (e.g. "google.com:project:region:instance").
var connNameRegex = regexp.MustCompile("([^:]+(?::[^:]+)?):([^:]+):([^:]+)")

// ConnName represents the "instance connection name", in the form
// "project:region:instance", used to identify a Cloud SQL instance.
type ConnName struct {
	Project string
	Region  string
	Name    string
}

// String returns the instance connection name in the canonical
// "project:region:instance" form.
func (c *ConnName) String() string {
	return fmt.Sprintf("%s:%s:%s", c.Project, c.Region, c.Name)
}

// ParseConnName initializes a new ConnName struct from a connection name in
// the format "project:region:instance".
func ParseConnName(cn string) (ConnName, error) {
	b := []byte(cn)
	m := connNameRegex.FindSubmatch(b)
	if m == nil {
		err := errtype.NewConfigError(
			"invalid instance connection name, expected project:region:instance",
			cn,
		)
		return ConnName{}, err
	}

	c := ConnName{
		Project: string(m[1]),
		Region:  string(m[2]),
		Name:    string(m[3]),
	}
	return c, nil
}
