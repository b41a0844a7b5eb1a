package silo

// TID is a transaction identifier: a logical clock used both to order
// committed writes and to stamp each version in a tuple's chain.
type TID uint64

// NoTID is the tid value meaning "no transaction" / "unassigned".
//
// NB: The first valid tid is one.
const NoTID TID = 0
