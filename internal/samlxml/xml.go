package samlxml

import "github.com/beevik/etree"

// FirstDescendant returns the first descendant element with the given local
// name in document order, ignoring namespace prefixes. Returns nil when no
// such element exists.
func FirstDescendant(el *etree.Element, localName string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if child.Tag == localName {
			return child
		}
		if found := FirstDescendant(child, localName); found != nil {
			return found
		}
	}
	return nil
}

// Descendants returns all descendant elements with the given local name in
// document order, ignoring namespace prefixes.
func Descendants(el *etree.Element, localName string) []*etree.Element {
	var found []*etree.Element
	if el == nil {
		return found
	}
	for _, child := range el.ChildElements() {
		if child.Tag == localName {
			found = append(found, child)
		}
		found = append(found, Descendants(child, localName)...)
	}
	return found
}

// ChildByTag returns the first direct child with the given local name.
func ChildByTag(parent *etree.Element, localName string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			return child
		}
	}
	return nil
}

// prefixedTag builds a tag using the prefix the reference element carries,
// so created elements reuse the document's existing namespace declarations.
func prefixedTag(ref *etree.Element, localName string) string {
	if ref == nil || ref.Space == "" {
		return localName
	}
	return ref.Space + ":" + localName
}
