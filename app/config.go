package app

import (
	"io/ioutil"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const defaultConfig = `# NMR FAIR-DOs

################################## LOGGING ####################################

[logging]

#
# Logging verbosity level.
# Supported values: "DEBUG", "INFO", "WARN", "ERROR", "FATAL" or "PANIC".
#
level = "INFO"

#
# When set, log lines are also appended to this file.
#
file = ""

################################## OUTPUT #####################################

[output]

#
# Directory where the JSON artifacts of each run are written, e.g. the
# errors_<repository>.json files.
#
dir = "."

#
# Optional S3 location that receives a copy of every artifact, e.g.
# "s3://nmr-fairdos/artifacts".
#
s3_uri = ""

################################## STATE ######################################

[state]

#
# SQLite database recording runs and the resources whose extraction failed.
#
path = "state/nmr-fairdos.db"

################################## HTTP #######################################

[http]

#
# Cache of the JSON documents downloaded from the repositories.
#
cache_dir = "cache"

#
# Maximum number of concurrent requests sent to a repository.
#
concurrency = 100

timeout = "60s"
user_agent = "nmr-fairdos"

################################## SERVICES ###################################

[tpm]

#
# Base URL of the Typed PID-Maker, e.g. "https://typed-pid-maker.example.org".
#
url = ""

[elasticsearch]

url = ""
index = "fdo-nmr"
apikey = ""

[terminology]

url = "https://api.terminology.tib.eu"

[datatype]

#
# Handle proxy used to look up the names of data types.
#
handle_url = "https://hdl.handle.net/"

################################## REPOSITORIES ###############################

[chemotion]

base_url = "https://www.chemotion-repository.net"
page_size = 500

[nmrxiv]

base_url = "https://nmrxiv.org"

#
# Harvest every run from scratch. When disabled, listings and documents
# cached by an earlier run covering the requested time frame are reused.
#
fresh = true

################################## SERVER #####################################

[server]

addr = ":8000"

################################## AWS ########################################

[aws]

s3_profile = ""
s3_endpoint = ""
`

// legacyEnv maps configuration keys to the environment variables used by
// earlier deployments. Prefixed variables (NMR_FAIRDOS_TPM_URL) win.
var legacyEnv = map[string]string{
	"tpm.url":              "TPM_URL",
	"chemotion.base_url":   "CHEMOTION_BASE_URL",
	"nmrxiv.base_url":      "NMRXIV_BASE_URL",
	"elasticsearch.url":    "ELASTICSEARCH_URL",
	"elasticsearch.index":  "ELASTICSEARCH_INDEX",
	"elasticsearch.apikey": "ELASTICSEARCH_APIKEY",
	"http.cache_dir":       "CACHE_DIR",
	"terminology.url":      "TERMINOLOGY_URL",
}

type Config struct {
	v *viper.Viper

	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Output struct {
		Dir   string `mapstructure:"dir"`
		S3URI string `mapstructure:"s3_uri"`
	} `mapstructure:"output"`

	State struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"state"`

	HTTP struct {
		CacheDir    string        `mapstructure:"cache_dir"`
		Concurrency int           `mapstructure:"concurrency"`
		Timeout     time.Duration `mapstructure:"timeout"`
		UserAgent   string        `mapstructure:"user_agent"`
	} `mapstructure:"http"`

	TPM struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"tpm"`

	Elasticsearch struct {
		URL    string `mapstructure:"url"`
		Index  string `mapstructure:"index"`
		APIKey string `mapstructure:"apikey"`
	} `mapstructure:"elasticsearch"`

	Terminology struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"terminology"`

	DataType struct {
		HandleURL string `mapstructure:"handle_url"`
	} `mapstructure:"datatype"`

	Chemotion struct {
		BaseURL  string `mapstructure:"base_url"`
		PageSize int    `mapstructure:"page_size"`
	} `mapstructure:"chemotion"`

	NMRXiv struct {
		BaseURL string `mapstructure:"base_url"`
		Fresh   bool   `mapstructure:"fresh"`
	} `mapstructure:"nmrxiv"`

	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	AWS struct {
		S3Profile  string `mapstructure:"s3_profile"`
		S3Endpoint string `mapstructure:"s3_endpoint"`
	} `mapstructure:"aws"`
}

func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	if c.HTTP.Concurrency < 0 {
		return errors.New("http.concurrency must not be negative")
	}
	if c.Chemotion.PageSize < 0 {
		return errors.New("chemotion.page_size must not be negative")
	}
	return nil
}

// ValidatePipeline checks the settings needed to run the pipeline.
func (c Config) ValidatePipeline() error {
	var missing []string
	for key, value := range map[string]string{
		"tpm.url":             c.TPM.URL,
		"elasticsearch.url":   c.Elasticsearch.URL,
		"elasticsearch.index": c.Elasticsearch.Index,
		"http.cache_dir":      c.HTTP.CacheDir,
		"state.path":          c.State.Path,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) String() string {
	tmpfile, err := ioutil.TempFile("", "config.*.toml")
	if err != nil {
		return err.Error()
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()
	err = c.v.WriteConfigAs(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	blob, err := ioutil.ReadAll(tmpfile)
	if err != nil {
		return err.Error()
	}
	return string(blob)
}

func loadConfig(c *Config) error {
	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrap(err, "loading .env")
	}

	v := viper.New()

	v.SetEnvPrefix("NMR_FAIRDOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env); err != nil {
			return errors.Wrapf(err, "binding %s", env)
		}
	}

	v.SetConfigName("nmr-fairdos")
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME/.config/")
	v.AddConfigPath("/etc/nmr-fairdos/")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read our default configuration.
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		panic(err) // Not in the user path.
	}

	// Include configuration file provided by the user.
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return errors.Wrap(err, "configuration unmarshaling failed")
	}
	for _, url := range []*string{
		&c.TPM.URL, &c.Elasticsearch.URL, &c.Terminology.URL,
		&c.Chemotion.BaseURL, &c.NMRXiv.BaseURL,
	} {
		*url = strings.TrimRight(*url, "/")
	}

	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config did not pass validation")
	}

	c.v = v

	return nil
}
