// Package serial converts dependency values into a self-describing tree that
// can be shipped to a fresh execution unit and rebuilt there.
//
// Supported kinds: nil, bool, integers, floats (NaN and the infinities travel
// as named literals), big integers, strings, slices/arrays and string-keyed
// maps (recursively), and functions registered by name in the shared
// operation library. Anything else is a SerializationError naming the
// dependency and the path inside it; nothing is coerced.
package serial
