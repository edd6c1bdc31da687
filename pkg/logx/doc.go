// Package logx configures festbot's structured logging.
//
// Components receive a logx.Logger (a thin value wrapper over zerolog) and
// tag it with a "comp" field. The Service owns the sinks:
//   - console output (short timestamp + short caller)
//   - JSON file output
//   - an optional operator chat sink (min-level + rate limiting)
package logx
