//go:build craftdebug

package engine

const strictInvariants = true
