package changes

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"sort"

	"github.com/jmspring/cblite-core/blob"
	"github.com/jmspring/cblite-core/store"
	"github.com/pkg/errors"
)

// DocReader parses a multipart/related document-with-attachments response
// (spec.md §4.5). The first part is the JSON document; each subsequent part
// streams into a blob.Writer and replaces the corresponding
// _attachments[name] stub (which must have "follows": true) with
// {digest, length, follows:false}.
//
// Append accepts arbitrarily-sized chunks via an io.Pipe so the caller can
// feed bytes as they arrive off the wire without buffering the whole body;
// Finish blocks until the background parse goroutine completes.
type DocReader struct {
	pw     *io.PipeWriter
	result chan docReadResult
}

type docReadResult struct {
	body store.Body
	atts []store.AttachmentRef
	err  error
}

// NewDocReader starts a background parser for a multipart/related body with
// the given Content-Type header (which carries the boundary parameter).
func NewDocReader(contentType string, blobStore *blob.Store) (*DocReader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errors.Wrap(err, "multipart: parsing content-type")
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart: missing boundary parameter")
	}

	pr, pw := io.Pipe()
	dr := &DocReader{pw: pw, result: make(chan docReadResult, 1)}
	go dr.parse(pr, boundary, blobStore)
	return dr, nil
}

// Append feeds the next chunk of the response body into the parser.
func (dr *DocReader) Append(data []byte) error {
	_, err := dr.pw.Write(data)
	return err
}

// Finish signals end-of-body and returns the assembled document body (with
// attachment stubs patched to digest/length/follows:false) and the
// attachment refs that were installed into the blob store.
func (dr *DocReader) Finish() (store.Body, []store.AttachmentRef, error) {
	dr.pw.Close()
	res := <-dr.result
	return res.body, res.atts, res.err
}

func (dr *DocReader) parse(pr *io.PipeReader, boundary string, blobStore *blob.Store) {
	mr := multipart.NewReader(pr, boundary)

	var doc store.Body
	var refs []store.AttachmentRef
	followsOrder, err := dr.firstPart(mr, &doc)
	if err != nil {
		pr.CloseWithError(err)
		dr.result <- docReadResult{err: err}
		return
	}

	for _, name := range followsOrder {
		part, err := mr.NextPart()
		if err == io.EOF {
			err = fmt.Errorf("multipart: missing attachment part for %q", name)
		}
		if err != nil {
			pr.CloseWithError(err)
			dr.result <- docReadResult{err: err}
			return
		}
		ref, err := dr.readAttachmentPart(part, name, blobStore)
		if err != nil {
			pr.CloseWithError(err)
			dr.result <- docReadResult{err: err}
			return
		}
		refs = append(refs, ref)
		amendStub(doc, ref)
	}

	// Consume whatever follows the last part (the closing delimiter's line
	// break, any epilogue) so Append never blocks on bytes nobody reads; this
	// returns once Finish closes the writer.
	_, _ = io.Copy(io.Discard, pr)

	dr.result <- docReadResult{body: doc, atts: refs}
}

// firstPart reads the JSON document part and returns the names of
// attachments marked "follows": true, in the deterministic order
// (alphabetical by name) subsequent parts are expected to arrive in.
func (dr *DocReader) firstPart(mr *multipart.Reader, doc *store.Body) ([]string, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, errors.Wrap(err, "multipart: reading document part")
	}
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	var body store.Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "multipart: parsing document JSON")
	}
	*doc = body

	var names []string
	if attsRaw, ok := body["_attachments"].(map[string]interface{}); ok {
		for name, stubRaw := range attsRaw {
			stub, ok := stubRaw.(map[string]interface{})
			if !ok {
				continue
			}
			if follows, _ := stub["follows"].(bool); follows {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// readAttachmentPart streams one attachment's part body into the blob
// store and returns its AttachmentRef; parse then patches the document's
// stub with amendStub.
func (dr *DocReader) readAttachmentPart(part *multipart.Part, name string, blobStore *blob.Store) (store.AttachmentRef, error) {
	w, err := blobStore.NewWriter()
	if err != nil {
		return store.AttachmentRef{}, err
	}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			if _, err := w.Append(buf[:n]); err != nil {
				w.Cancel()
				return store.AttachmentRef{}, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			w.Cancel()
			return store.AttachmentRef{}, readErr
		}
	}
	if err := w.Finish(); err != nil {
		return store.AttachmentRef{}, err
	}
	if err := w.Install(); err != nil {
		return store.AttachmentRef{}, err
	}

	md5 := w.MD5Digest()
	digest := "md5-" + base64.StdEncoding.EncodeToString(md5[:])

	return store.AttachmentRef{
		Name:        name,
		ContentType: part.Header.Get("Content-Type"),
		Length:      int64(w.Length()),
		RevPos:      1,
		BlobKey:     w.Key(),
		Digest:      digest,
	}, nil
}

// amendStub patches doc's _attachments[name] stub in place with
// {digest, length, follows:false}, per spec.md §4.5: "the final document has
// the attachment stub amended" once its body has been read off the wire and
// installed into the blob store.
func amendStub(doc store.Body, ref store.AttachmentRef) {
	attsRaw, ok := doc["_attachments"].(map[string]interface{})
	if !ok {
		return
	}
	stub, ok := attsRaw[ref.Name].(map[string]interface{})
	if !ok {
		return
	}
	stub["digest"] = ref.Digest
	stub["length"] = ref.Length
	stub["follows"] = false
}

// AttachmentDigest is exposed for handlers that patch the stub map
// themselves without going through DocReader.
func AttachmentDigest(key blob.Key, md5sum [16]byte) string {
	return "md5-" + base64.StdEncoding.EncodeToString(md5sum[:])
}
