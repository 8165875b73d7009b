// Package timer runs trigger-driven callbacks for the lifetime of the
// process. Jobs may be registered before the engine is started; nothing
// fires until Start, which lets startup recovery rebuild every job before
// the first callback runs.
package timer
