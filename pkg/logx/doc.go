// Package logx is botgate's structured logging layer.
//
// Logger is a small value type over zerolog. Fields are closures applied
// in order when a line is written, so a later key overrides an earlier
// one. A Service owns the process sinks (stdout as console text or JSON
// lines, plus an optional JSON file) and can swap them or the level at
// runtime when the config file changes; every Logger derived from it
// follows.
package logx
