// Package textutil turns free text into the token stream and hashed term
// vectors used by the lexical compute backend.
//
// Tokens are lowercased alphanumeric runs of at least three characters after
// Unicode normalization strips diacritics, so "Café" and "cafe" land in the
// same bucket.
package textutil
