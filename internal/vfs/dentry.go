package vfs

import (
	"strings"
	"sync"

	"github.com/lattice-os/kernel/internal/defs"
)

// Dentry is one node of the rooted dentry tree (spec.md §4.3). The
// teacher's fs package has no dentry cache of its own (biscuit
// resolves paths directly against the on-disk directory format); this
// tree is modeled on the vfscore dentry design in original_source,
// expressed with plain pointers instead of Arc/Weak: Go's collector
// already breaks parent/child reference cycles, so nothing here needs
// a weak-pointer type to stay leak-free the way the Rust original
// does.
type Dentry struct {
	mu       sync.Mutex
	name     string
	parent   *Dentry
	inode    Inode
	children map[string]*Dentry

	// mountStack holds the inode(s) this dentry has had mounted over
	// it, most recent last; Umount pops the stack to reveal what was
	// there before (spec.md: "mount ... umount reverses").
	mountStack []Inode
}

// NewRoot constructs the root dentry of a tree over the given inode.
func NewRoot(inode Inode) *Dentry {
	return &Dentry{name: "/", inode: inode, children: map[string]*Dentry{}}
}

// Name returns this dentry's path component.
func (d *Dentry) Name() string { return d.name }

// Inode returns the inode currently visible at this dentry (the
// mounted-over inode, if any mount is active).
func (d *Dentry) Inode() Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

// Parent returns the parent dentry, or nil at the tree root.
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// Mount installs root as this dentry's visible inode, stashing
// whatever was there so Umount can restore it (spec.md C3 "mount").
func (d *Dentry) Mount(root Inode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mountStack = append(d.mountStack, d.inode)
	d.inode = root
	d.children = map[string]*Dentry{}
}

// Umount reverses the most recent Mount, or returns EINVAL and changes
// nothing if this dentry isn't a mount point.
func (d *Dentry) Umount() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.mountStack)
	if n == 0 {
		return defs.EINVAL
	}
	d.inode = d.mountStack[n-1]
	d.mountStack = d.mountStack[:n-1]
	d.children = map[string]*Dentry{}
	return 0
}

// lookupChild finds or creates the child dentry for name, asking the
// live inode to resolve it if the cache has no entry.
func lookupChild(d *Dentry, name string) (*Dentry, defs.Err_t) {
	d.mu.Lock()
	if c, ok := d.children[name]; ok {
		d.mu.Unlock()
		return c, 0
	}
	inode := d.inode
	d.mu.Unlock()

	child, err := inode.Lookup(name)
	if err != 0 {
		return nil, err
	}
	c := &Dentry{name: name, parent: d, inode: child, children: map[string]*Dentry{}}

	d.mu.Lock()
	if existing, ok := d.children[name]; ok {
		d.mu.Unlock()
		return existing, 0
	}
	d.children[name] = c
	d.mu.Unlock()
	return c, 0
}

// splitPath breaks path into components, skipping empty segments
// (collapsed "//" and a trailing "/") per spec.md's path semantics.
func splitPath(path string) (absolute bool, comps []string) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c == "" {
			continue
		}
		comps = append(comps, c)
	}
	return absolute, comps
}

// root walks up to the tree root from d.
func root(d *Dentry) *Dentry {
	for {
		p := d.Parent()
		if p == nil {
			return d
		}
		d = p
	}
}

// DentryOpen resolves path starting at start (spec.md C3
// "dentry_open"): "." and ".." are handled structurally, absolute
// paths restart at the tree root, missing children are looked up
// through the live inode and cached on success. O_CREAT causes final
// component creation (as a directory when O_DIRECTORY is set, a
// regular file otherwise) if the component is absent; O_EXCL with
// O_CREAT fails if it is already present.
func DentryOpen(start *Dentry, path string, flags int) (*Dentry, defs.Err_t) {
	absolute, comps := splitPath(path)
	cur := start
	if absolute {
		cur = root(start)
	}
	if len(comps) == 0 {
		return cur, 0
	}
	for i, name := range comps {
		last := i == len(comps)-1
		switch name {
		case ".":
			continue
		case "..":
			if p := cur.Parent(); p != nil {
				cur = p
			}
			continue
		}

		child, err := lookupChild(cur, name)
		if err == 0 {
			if last && flags&defs.O_CREAT != 0 && flags&defs.O_EXCL != 0 {
				return nil, defs.EEXIST
			}
			cur = child
			continue
		}
		if err != defs.ENOENT || !last || flags&defs.O_CREAT == 0 {
			return nil, err
		}
		typ := TypeRegular
		var newInode Inode
		var cerr defs.Err_t
		if flags&defs.O_DIRECTORY != 0 {
			newInode, cerr = cur.Inode().Mkdir(name)
			typ = TypeDir
		} else {
			newInode, cerr = cur.Inode().Create(name, typ)
		}
		if cerr != 0 {
			return nil, cerr
		}
		cur.mu.Lock()
		c := &Dentry{name: name, parent: cur, inode: newInode, children: map[string]*Dentry{}}
		cur.children[name] = c
		cur.mu.Unlock()
		cur = c
	}
	return cur, 0
}

// Path reconstructs the absolute path of d by walking to the root.
func Path(d *Dentry) string {
	var parts []string
	for p := d; p.Parent() != nil; p = p.Parent() {
		parts = append([]string{p.name}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}
