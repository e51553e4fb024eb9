package consts

// AutocryptHeader is the mail header carrying a key announcement.
const AutocryptHeader = "Autocrypt"

// SupportedKeyType is the only key-material type this implementation accepts.
// A header without a type attribute implies it.
const SupportedKeyType = "1"
