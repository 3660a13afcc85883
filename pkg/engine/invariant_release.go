//go:build !craftdebug

package engine

const strictInvariants = false
