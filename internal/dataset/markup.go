package dataset

import (
	"io"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/happyhackingspace/chemner/internal/htmlutil"
	"github.com/happyhackingspace/chemner/internal/textutil"
)

// DefaultEntityType labels <e> elements without a type attribute.
const DefaultEntityType = "CHEM"

// ReadMarkup reads an inline-annotated corpus. Every <s> element is one
// sentence; text inside an <e type="T"> child becomes B-T, I-T, ... and all
// other text becomes O.
//
//	<s>Treatment with <e type="TRIVIAL">aspirin</e> lowered risk.</s>
func ReadMarkup(r io.Reader) ([]Sentence, error) {
	doc, err := htmlutil.LoadHTML(r)
	if err != nil {
		return nil, err
	}

	var sentences []Sentence
	doc.Find("s").Each(func(_ int, s *goquery.Selection) {
		var sent Sentence
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if len(c.Nodes) == 0 {
				return
			}
			node := c.Nodes[0]
			switch {
			case node.Type == html.TextNode:
				sent.add(textutil.Tokenize(node.Data), "")
			case goquery.NodeName(c) == "e":
				sent.add(textutil.Tokenize(c.Text()), c.AttrOr("type", DefaultEntityType))
			default:
				sent.add(textutil.Tokenize(c.Text()), "")
			}
		})
		if len(sent.Tokens) > 0 {
			sentences = append(sentences, sent)
		}
	})
	return sentences, nil
}

// add appends tokens, labelled as one entity of type entity, or O when empty.
func (s *Sentence) add(tokens []string, entity string) {
	for i, tok := range tokens {
		label := Outside
		switch {
		case entity == "":
		case i == 0:
			label = "B-" + entity
		default:
			label = "I-" + entity
		}
		s.Tokens = append(s.Tokens, tok)
		s.Labels = append(s.Labels, label)
	}
}
