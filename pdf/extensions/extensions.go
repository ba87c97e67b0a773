// Package extensions declares PDF developer extensions in the catalog.
package extensions

import (
	"strings"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// DeveloperExtension represents a PDF developer extension designation.
type DeveloperExtension struct {
	// PrefixName is the registered developer prefix, without the slash.
	PrefixName string

	// BaseVersion is the base version onto which the extension applies.
	BaseVersion string

	// ExtensionLevel is the extension level number.
	ExtensionLevel int

	// URL is an optional URL linking to the extension's documentation.
	URL string
}

// ESIC is the ETSI extension declaring PAdES structures on PDF 1.7.
var ESIC = &DeveloperExtension{PrefixName: "ESIC", BaseVersion: "1.7", ExtensionLevel: 1}

// AsPdfObject formats the extension as an /Extensions entry.
func (e *DeveloperExtension) AsPdfObject() *generic.DictionaryObject {
	result := generic.NewDictionary()
	result.Set("Type", generic.NameObject("DeveloperExtensions"))
	result.Set("BaseVersion", generic.NameObject(e.BaseVersion))
	result.Set("ExtensionLevel", generic.IntegerObject(e.ExtensionLevel))
	if e.URL != "" {
		result.Set("URL", generic.NewTextString(e.URL))
	}
	return result
}

// Resolver resolves indirect references.
type Resolver func(generic.PdfObject) (generic.PdfObject, error)

// Register adds e to the /Extensions dictionary of catalog. An existing
// entry for the same prefix with an equal or higher level is kept and
// Register reports false.
func Register(catalog *generic.DictionaryObject, resolve Resolver, e *DeveloperExtension) bool {
	exts := generic.NewDictionary()
	if obj, err := resolve(catalog.Get("Extensions")); err == nil {
		if d, ok := obj.(*generic.DictionaryObject); ok {
			exts = generic.Clone(d).(*generic.DictionaryObject)
		}
	}
	key := strings.TrimPrefix(e.PrefixName, "/")
	if level, ok := existingLevel(exts.Get(key), resolve); ok && level >= e.ExtensionLevel {
		return false
	}
	exts.Set(key, e.AsPdfObject())
	catalog.Set("Extensions", exts)
	return true
}

// existingLevel returns the highest level declared by obj, which is a
// single extension dictionary or an array of them.
func existingLevel(obj generic.PdfObject, resolve Resolver) (int, bool) {
	obj, err := resolve(obj)
	if err != nil || obj == nil {
		return 0, false
	}
	var dicts []*generic.DictionaryObject
	switch v := obj.(type) {
	case *generic.DictionaryObject:
		dicts = append(dicts, v)
	case generic.ArrayObject:
		for _, item := range v {
			if r, err := resolve(item); err == nil {
				if d, ok := r.(*generic.DictionaryObject); ok {
					dicts = append(dicts, d)
				}
			}
		}
	}
	best, found := 0, false
	for _, d := range dicts {
		if lvl, ok := d.GetInt("ExtensionLevel"); ok {
			if !found || int(lvl) > best {
				best = int(lvl)
			}
			found = true
		}
	}
	return best, found
}
