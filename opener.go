package rexd

// An Opener hands a path (or URL) to the host's shell-execute
// facility.  verb names the action to perform ("open", "edit",
// "explore", ...); dir anchors relative paths.
//
// A Server defaults to SystemOpener, the host's real facility;
// embedders can swap in anything else.
//
type Opener interface {
	Open(verb, path, dir string) error
}
