package parser

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// xmlNode is one parsed element, namespaces discarded. The upstream
// payloads carry a single document namespace so stripping it loses
// nothing.
type xmlNode struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*xmlNode
}

func parseXML(raw []byte) (*xmlNode, error) {
	var dec = xml.NewDecoder(bytes.NewReader(raw))
	var root *xmlNode
	var stack []*xmlNode

	for {
		var tok, err = dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var node = &xmlNode{name: t.Name.Local}
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				node.attrs = append(node.attrs, attr)
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, &Error{Family: "XML", Reason: "multiple document roots"}
				}
				root = node
			} else {
				var parent = stack[len(stack)-1]
				parent.children = append(parent.children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) != 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, &Error{Family: "XML", Reason: "empty document"}
	}
	return root, nil
}

// find returns the first descendant (or the node itself) with the
// given local name, depth first.
func (n *xmlNode) find(local string) *xmlNode {
	if n.name == local {
		return n
	}
	for _, child := range n.children {
		if found := child.find(local); found != nil {
			return found
		}
	}
	return nil
}

func (n *xmlNode) findAll(local string) []*xmlNode {
	var found []*xmlNode
	if n.name == local {
		found = append(found, n)
	}
	for _, child := range n.children {
		found = append(found, child.findAll(local)...)
	}
	return found
}

func (n *xmlNode) trimmedText() string {
	return strings.TrimSpace(n.text.String())
}

// flatten converts the element to the BadgerFish dialect: attributes
// under "@name", text under "$", repeated children as arrays. Leaf
// text that reads as a number or boolean is emitted typed.
func (n *xmlNode) flatten() map[string]interface{} {
	var out = map[string]interface{}{}
	for _, attr := range n.attrs {
		out["@"+attr.Name.Local] = typedValue(attr.Value)
	}
	if text := n.trimmedText(); text != "" {
		out["$"] = typedValue(text)
	}
	for _, child := range n.children {
		var value interface{} = child.flatten()
		if existing, ok := out[child.name]; ok {
			if list, isList := existing.([]interface{}); isList {
				out[child.name] = append(list, value)
			} else {
				out[child.name] = []interface{}{existing, value}
			}
		} else {
			out[child.name] = value
		}
	}
	return out
}

func typedValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// FlattenBatchedUrlInfo splits a batched rank response into one flat
// JSON document per UrlInfoResult element, stripping the response
// control envelope.
func FlattenBatchedUrlInfo(raw []byte) ([][]byte, error) {
	var root, err = parseXML(raw)
	if err != nil {
		return nil, parseErr("UrlInfo", "malformed XML", err)
	}
	var results = root.findAll("UrlInfoResult")
	if len(results) == 0 {
		return nil, &Error{Family: "UrlInfo", Reason: "no UrlInfoResult elements"}
	}

	var domains []string
	var flattened [][]byte
	for _, result := range results {
		if dataURL := result.find("DataUrl"); dataURL != nil {
			domains = append(domains, dataURL.trimmedText())
		}
		var doc, err = json.Marshal(map[string]interface{}{
			"UrlInfoResult": result.flatten(),
		})
		if err != nil {
			return nil, parseErr("UrlInfo", "marshalling flat record", err)
		}
		flattened = append(flattened, doc)
	}
	log.WithField("domains", domains).Info("batched urls sourced")
	return flattened, nil
}

// FlattenTrafficHistory converts a traffic response to a flat JSON
// document rooted at TrafficHistory. A response whose status is not
// Success is logged and dropped (nil result, no error).
func FlattenTrafficHistory(raw []byte) ([]byte, error) {
	var root, err = parseXML(raw)
	if err != nil {
		return nil, parseErr("TrafficHistory", "malformed XML", err)
	}

	var statusCode string
	if status := root.find("ResponseStatus"); status != nil {
		if code := status.find("StatusCode"); code != nil {
			statusCode = code.trimmedText()
		}
	}
	if statusCode != "Success" {
		log.WithField("status", statusCode).Error("traffic history response error")
		return nil, nil
	}

	var result = root.find("TrafficHistoryResult")
	if result == nil {
		return nil, &Error{Family: "TrafficHistory", Reason: "no TrafficHistoryResult element"}
	}
	var traffic = result.find("TrafficHistory")
	if traffic == nil {
		return nil, &Error{Family: "TrafficHistory", Reason: "no TrafficHistory element"}
	}
	if site := traffic.find("Site"); site != nil {
		log.WithField("domain", site.trimmedText()).Info("flattening traffic history")
	}
	return json.Marshal(map[string]interface{}{"TrafficHistory": traffic.flatten()})
}

// FlattenSitesLinkingIn converts an inbound-links response to a flat
// JSON document rooted at SitesLinkingInResult. Empty or unparseable
// input yields a nil document, never an error: a domain with no
// inbound links is an ordinary outcome.
func FlattenSitesLinkingIn(raw []byte) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var root, err = parseXML(raw)
	if err != nil {
		log.WithField("error", err).Error("unable to parse sites-linking-in XML")
		return nil
	}
	var result = root.find("SitesLinkingInResult")
	if result == nil {
		log.Error("no SitesLinkingInResult element in response")
		return nil
	}
	var doc, _ = json.Marshal(map[string]interface{}{
		"SitesLinkingInResult": result.flatten(),
	})
	return doc
}

// SplitRawResponses re-segments a saved multi-response XML dump. Each
// segment runs from a `<?xml version="1.0"?>` prologue line through the
// line containing `</aws:{endToken}>`. Used to replay raw captures back
// onto a topic.
func SplitRawResponses(r io.Reader, endToken string) ([][]byte, error) {
	var start, end = `<?xml version="1.0"?>`, "</aws:" + endToken + ">"

	var segments [][]byte
	var segment []string
	var inSegment bool

	var buf []byte
	var readErr error
	if buf, readErr = io.ReadAll(r); readErr != nil {
		return nil, readErr
	}
	for _, rawLine := range strings.Split(string(buf), "\n") {
		var line = strings.TrimRight(rawLine, " \t\r")
		if strings.Contains(line, start) {
			inSegment = true
		}
		if !inSegment {
			continue
		}
		segment = append(segment, line)
		if strings.Contains(line, end) {
			segments = append(segments, []byte(strings.Join(segment, "\n")))
			segment, inSegment = nil, false
		}
	}
	return segments, nil
}
