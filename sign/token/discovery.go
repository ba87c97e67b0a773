package token

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/miekg/pkcs11"
)

// ModuleNames is the fixed priority list of PKCS#11 library base names
// shipped by common smart card and USB token vendors.
var ModuleNames = []string{
	"akisp11", "eTPKCS11", "dkck201", "palmap11", "palmaPkcs11",
	"bit4xpki", "bit4idpkcs11", "opensc-pkcs11", "pkcs11", "cryptoki",
	"libbit4ipki", "esebegi", "etpkcs11", "pgp-pkcs11", "softhsm2",
}

// VendorSubdirs are scanned below each vendor root for library files.
var VendorSubdirs = []string{
	"SafeNet", "Gemalto", "Thales", "Palma", "Bit4id", "OpenSC Project", "OpenSC",
	"AKIS", "eToken", "Aladdin",
}

// vendorPatterns match library files inside vendor directories.
var vendorPatterns = []string{"*pkcs11*", "*p11*", "eTPKCS11*", "dkck201*", "akisp11*"}

const vendorScanDepth = 4

// Discovery enumerates PKCS#11 modules installed on the host.
type Discovery struct {
	// Override is probed before anything else when set.
	Override string
	// LibraryDirs are searched for each of Names, in order.
	LibraryDirs []string
	// Names are library file names derived from ModuleNames.
	Names []string
	// VendorRoots are walked for VendorSubdirs matching vendorPatterns.
	VendorRoots []string
	// ScanPATH adds the directories of $PATH as a last resort.
	ScanPATH bool
	Loader   Loader
	Logger   *slog.Logger
}

// NewDiscovery returns a discovery configured for the running platform.
func NewDiscovery() *Discovery {
	return &Discovery{
		LibraryDirs: DefaultLibraryDirs(runtime.GOOS),
		Names:       LibraryFileNames(runtime.GOOS),
		VendorRoots: DefaultVendorRoots(runtime.GOOS),
		Loader:      DefaultLoader,
		Logger:      logging.Discard(),
	}
}

// WithOverride sets the module path probed first.
func (d *Discovery) WithOverride(path string) *Discovery {
	d.Override = path
	return d
}

// WithLoader sets the library loader.
func (d *Discovery) WithLoader(l Loader) *Discovery {
	d.Loader = l
	return d
}

// WithLogger sets the logger.
func (d *Discovery) WithLogger(l *slog.Logger) *Discovery {
	d.Logger = logging.OrDiscard(l)
	return d
}

// LibraryFileNames maps ModuleNames to file names for goos.
func LibraryFileNames(goos string) []string {
	var out []string
	for _, n := range ModuleNames {
		switch goos {
		case "windows":
			out = append(out, n+".dll")
		case "darwin":
			out = append(out, n+".dylib", "lib"+n+".dylib", n+".so")
		default:
			if strings.HasPrefix(n, "lib") {
				out = append(out, n+".so")
			} else {
				out = append(out, "lib"+n+".so", n+".so")
			}
		}
	}
	return out
}

// DefaultLibraryDirs returns the system library directories for goos.
func DefaultLibraryDirs(goos string) []string {
	switch goos {
	case "windows":
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return []string{
			filepath.Join(root, "System32"),
			filepath.Join(root, "SysWOW64"),
			filepath.Join(root, "Sysnative"),
		}
	case "darwin":
		return []string{
			"/usr/local/lib",
			"/opt/homebrew/lib",
			"/Library/OpenSC/lib",
			"/usr/local/lib/softhsm",
		}
	default:
		return []string{
			"/usr/lib",
			"/usr/lib64",
			"/usr/lib/x86_64-linux-gnu",
			"/usr/lib/aarch64-linux-gnu",
			"/usr/local/lib",
			"/usr/lib/pkcs11",
			"/usr/lib/x86_64-linux-gnu/pkcs11",
			"/usr/lib/softhsm",
			"/usr/lib/x86_64-linux-gnu/softhsm",
		}
	}
}

// DefaultVendorRoots returns the roots below which vendor directories live.
func DefaultVendorRoots(goos string) []string {
	switch goos {
	case "windows":
		var roots []string
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if v := os.Getenv(env); v != "" {
				roots = append(roots, v)
			}
		}
		return roots
	case "darwin":
		return []string{"/Library", "/Applications"}
	default:
		return []string{"/opt", "/usr/lib"}
	}
}

// Candidates returns the existing library files in probe order: override,
// fixed directories, vendor directories, then PATH. Duplicates are dropped.
func (d *Discovery) Candidates() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		clean := filepath.Clean(p)
		key := clean
		if runtime.GOOS == "windows" {
			key = strings.ToLower(clean)
		}
		if seen[key] || !isFile(clean) {
			return
		}
		seen[key] = true
		out = append(out, clean)
	}

	if d.Override != "" {
		// Missing overrides are still reported by ListModules.
		seen[filepath.Clean(d.Override)] = true
		out = append(out, filepath.Clean(d.Override))
	}
	for _, dir := range d.LibraryDirs {
		for _, name := range d.Names {
			add(filepath.Join(dir, name))
		}
	}
	for _, root := range d.VendorRoots {
		for _, sub := range VendorSubdirs {
			for _, p := range scanVendorDir(filepath.Join(root, sub)) {
				add(p)
			}
		}
	}
	if d.ScanPATH {
		for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
			if dir == "" {
				continue
			}
			for _, name := range d.Names {
				add(filepath.Join(dir, name))
			}
		}
	}
	return out
}

// scanVendorDir walks dir to a bounded depth and returns matching library
// files in lexical order.
func scanVendorDir(dir string) []string {
	if !isDir(dir) {
		return nil
	}
	var out []string
	base := strings.Count(filepath.Clean(dir), string(filepath.Separator))
	_ = filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.IsDir() {
			if strings.Count(path, string(filepath.Separator))-base >= vendorScanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if isLibrary(e.Name()) && matchesVendorPattern(e.Name()) {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func matchesVendorPattern(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range vendorPatterns {
		if ok, _ := filepath.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

func isLibrary(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".so", ".dll", ".dylib":
		return true
	}
	return strings.Contains(name, ".so.")
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// ListModules loads and initializes every candidate. Candidates that fail
// are skipped and reported through a *DiscoveryError; the modules that did
// load are returned with it. Callers own the returned modules and must
// Close them.
func (d *Discovery) ListModules(ctx context.Context) ([]*Module, error) {
	log := logging.OrDiscard(d.Logger)
	loader := d.Loader
	if loader == nil {
		loader = DefaultLoader
	}
	var (
		modules  []*Module
		failures []ModuleFailure
	)
	for _, path := range d.Candidates() {
		if err := ctx.Err(); err != nil {
			closeModules(modules)
			return nil, err
		}
		if !isFile(path) {
			failures = append(failures, ModuleFailure{Path: path, Err: fs.ErrNotExist})
			continue
		}
		m, err := loadModule(loader, path, log)
		if err != nil {
			log.Warn("skipping PKCS#11 module", "path", path, "error", err)
			failures = append(failures, ModuleFailure{Path: path, Err: err})
			continue
		}
		log.Debug("loaded PKCS#11 module", "path", path)
		modules = append(modules, m)
	}
	if len(failures) > 0 {
		return modules, &DiscoveryError{Failures: failures}
	}
	return modules, nil
}

// Open loads a single module without scanning.
func Open(loader Loader, path string, log *slog.Logger) (*Module, error) {
	if loader == nil {
		loader = DefaultLoader
	}
	return loadModule(loader, path, logging.OrDiscard(log))
}

func loadModule(loader Loader, path string, log *slog.Logger) (*Module, error) {
	c, err := loader(path)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrModuleLoad
	}
	if err := c.Initialize(); err != nil && !isCKR(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		c.Destroy()
		return nil, err
	}
	return &Module{Path: path, ctx: c, log: log}, nil
}

func closeModules(ms []*Module) {
	for _, m := range ms {
		_ = m.Close()
	}
}
