// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manifest

import (
	"github.com/juju/schema"
)

var charmChecker = schema.StrictFieldMap(
	schema.Fields{
		"channel":  schema.String(),
		"revision": schema.ForceInt(),
		"config":   schema.StringMap(schema.Any()),
	},
	schema.Defaults{
		"channel":  schema.Omit,
		"revision": schema.Omit,
		"config":   schema.Omit,
	},
)

var terraformChecker = schema.StrictFieldMap(
	schema.Fields{
		"source": schema.String(),
	},
	schema.Defaults{
		"source": schema.Omit,
	},
)

var jujuChecker = schema.FieldMap(
	schema.Fields{
		"bootstrap_args": schema.List(schema.String()),
	},
	schema.Defaults{
		"bootstrap_args": schema.Omit,
	},
)

// softwareChecker is not strict: plugins may add their own sections.
var softwareChecker = schema.FieldMap(
	schema.Fields{
		"juju":      jujuChecker,
		"charms":    schema.StringMap(charmChecker),
		"terraform": schema.StringMap(terraformChecker),
	},
	schema.Defaults{
		"juju":      schema.Omit,
		"charms":    schema.Omit,
		"terraform": schema.Omit,
	},
)
