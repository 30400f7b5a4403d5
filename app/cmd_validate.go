package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var file string

func NewCmdValidate(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate PID record JSON documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doValidate(out)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File")

	return cmd
}

func doValidate(out io.Writer) error {
	if file == "" {
		return errors.New("parameter empty")
	}
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "cannot read file")
	}
	validator, err := pidrecord.NewValidator()
	if err != nil {
		return err
	}

	docs := []json.RawMessage{data}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		docs = nil
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return errors.Wrap(err, "cannot decode list")
		}
	}

	invalid := 0
	for i, doc := range docs {
		err := validator.Validate(doc)
		if err == nil {
			continue
		}
		verr, ok := err.(*pidrecord.ValidationError)
		if !ok {
			return err
		}
		invalid++
		fmt.Fprintf(out, "Record %d is invalid!\n", i)
		for _, issue := range verr.Issues {
			fmt.Fprintln(out, issue)
		}
	}
	fmt.Fprintf(out, "%d of %d records are valid.\n", len(docs)-invalid, len(docs))
	if invalid > 0 {
		return errors.Errorf("%d invalid records", invalid)
	}
	return nil
}
