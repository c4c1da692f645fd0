package config

import (
	_ "github.com/any-hub/any-repo/internal/hubmodule/maven"
	_ "github.com/any-hub/any-repo/internal/hubmodule/npm"
	_ "github.com/any-hub/any-repo/internal/hubmodule/pypi"
)
