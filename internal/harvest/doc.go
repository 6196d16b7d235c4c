// Package harvest defines the core types, collaborator interfaces, and error
// taxonomy shared by the compliance gate, throttle, adapters, persistence
// engine, and runner.
package harvest
