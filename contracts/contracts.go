// Package contracts embeds the published wire contracts served to
// integrators.
package contracts

import _ "embed"

// TaskDescriptorSchema is the JSON Schema for v1 task descriptors.
//
//go:embed task_descriptor.schema.json
var TaskDescriptorSchema []byte
