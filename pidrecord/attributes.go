package pidrecord

// Attribute keys, i.e. PIDs of data types registered in the data type
// registry.
const (
	KernelInformationProfile = "21.T11148/076759916209e5d62bd5"
	DigitalObjectType        = "21.T11148/1c699a5d1b4ad3ba4956"
	HadPrimarySource         = "21.T11148/a753134738da82809fc1"
	DigitalObjectLocation    = "21.T11148/b8457812905b83046284"
	ResourceType             = "21.T11969/b736c3898dd1f6603e2c"
	Contact                  = "21.T11148/1a73af9e7ae00182733b"
	EmailContact             = "21.T11148/e117a4a29bfd07438c1e"
	DateCreated              = "21.T11148/aafd5fb4c7222e2d950a"
	DateModified             = "21.T11148/397d831aa3a9d18eb52c"
	Name                     = "21.T11148/6ae999552a0d2dca14d6"
	LandingPageLocation      = "21.T11969/8710d753ad10f371189b"
	Identifier               = "21.T11148/f3f0cbaa39fa9966b279"
	License                  = "21.T11148/2f314c8fe5fb6a0063a8"
	LocationPreview          = "21.T11148/7fdada5846281ef5d461"
	HasMetadata              = "21.T11148/d0773859091aeb451528"
	IsMetadataFor            = "21.T11148/4fe7cde52629b61e3b82"

	NMRMethod              = "21.T11969/7a19f6d5c8e63dd6bfcb"
	CharacterizedCompound  = "21.T11969/d15381199a44a16dc88d"
	MolecularWeight        = "21.T11969/6c4d3deac9a49b65886a"
	PubChemReference       = "21.T11969/f9cb9b53273ce0da7739"
	NMRSolvent             = "21.T11969/92b4c6b461709b5b36f5"
	AcquisitionNucleus     = "21.T11969/1058eae15dac10260bb6"
	NominalProtonFrequency = "21.T11969/1e6e84562ace3b58558d"
	PulseSequenceName      = "21.T11969/3303cd9e3dda7afd6000"
)

// Well-known attribute values.
const (
	// HelmholtzKIP is the Helmholtz Kernel Information Profile.
	HelmholtzKIP = "21.T11148/b9b76f887845e32d29f7"

	MediaTypeJSON = "21.T11148/ca9fd0b2414177b79ac2"
	MediaTypeHTML = "21.T11148/010acb220a9c2c8c0ee6"
)
