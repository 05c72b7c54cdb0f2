package proc

import "os"

// OpenRedirects opens the files named by redirects, in stdin, stdout,
// stderr order. Streams with an empty path are returned as nil so the
// debuggee inherits the one of the debugger. closefn closes every file
// that was opened.
func OpenRedirects(redirects [3]string) (stdin, stdout, stderr *os.File, closefn func(), err error) {
	toclose := []*os.File{}
	closefn = func() {
		for _, f := range toclose {
			_ = f.Close()
		}
	}

	if redirects[0] != "" {
		stdin, err = os.Open(redirects[0])
		if err != nil {
			return nil, nil, nil, nil, err
		}
		toclose = append(toclose, stdin)
	}

	create := func(path string) *os.File {
		if path == "" || err != nil {
			return nil
		}
		var f *os.File
		f, err = os.Create(path)
		if f != nil {
			toclose = append(toclose, f)
		}
		return f
	}

	stdout = create(redirects[1])
	stderr = create(redirects[2])
	if err != nil {
		closefn()
		return nil, nil, nil, nil, err
	}
	return stdin, stdout, stderr, closefn, nil
}
