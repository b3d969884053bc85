// Package autoimport watches the shared library directory and feeds
// new files into their owners' knowledge spaces. A Redis lock elects a
// single scanning instance; standbys poll for takeover.
package autoimport
