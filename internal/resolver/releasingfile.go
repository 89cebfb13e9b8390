package resolver

import "os"

// releasingFile wraps an opened file so that closing it also releases
// the vfs.ResolvedPath (and therefore the cache entry) it was opened
// from, letting locateSourceArchive hand the sourcecache.Locator
// caller a single io.ReadCloser instead of two separate cleanup steps.
type releasingFile struct {
	*os.File
	release func()
}

func (f *releasingFile) Close() error {
	err := f.File.Close()
	f.release()
	return err
}
