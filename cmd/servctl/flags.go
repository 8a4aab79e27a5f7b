package main

// GlobalFlags are the persistent flags shared by every action.
type GlobalFlags struct {
	ConfigName string
	ConfigFile string
	NoTail     bool
	Verbose    bool
	LogFile    string
	Dir        string
}

// ActionArgs is the positional part of an action: the optional database
// and everything after it, passed verbatim to the backend.
type ActionArgs struct {
	Database string
	Extra    []string
}
