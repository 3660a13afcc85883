package engine

import "github.com/rs/zerolog/log"

// Invariant reports a violated engine invariant.
//
// Builds tagged craftdebug panic with err. Release builds log the violation
// and let the caller continue; the per-tick sweep and rebuild repair most
// transient inconsistencies.
func Invariant(err *EngineError) {
	if err == nil {
		return
	}
	if strictInvariants {
		panic(err)
	}
	log.Error().
		Str("class", string(err.Class)).
		Str("code", err.Code).
		Msg(err.Error())
}
