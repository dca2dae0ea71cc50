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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs.
// Output goes to stdout.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://github.com/kadirpekel/tollgate/schemas/config.json"
	schema.Title = "Tollgate Configuration Schema"
	schema.Description = "Configuration for the tollgate gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []interface{}{
		map[string]interface{}{
			"server":     map[string]interface{}{"port": 8080},
			"signature":  map[string]interface{}{"secret": "${TOLLGATE_SECRET}", "max_age": "5m"},
			"rate_limit": map[string]interface{}{"window": "1m", "max_requests": 60},
			"quota":      map[string]interface{}{"daily_limit": 1000, "monthly_limit": 20000},
			"upstream": map[string]interface{}{
				"url":     "https://api.example.com/v1/chat/completions",
				"api_key": "${UPSTREAM_API_KEY}",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
