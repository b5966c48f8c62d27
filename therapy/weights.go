package therapy

// Trained linear-model parameters. The weight vector spans spectral power
// bins 1-44 of the 178-point window DFT; the bias centers the decision
// boundary. These values are part of the compiled artifact and must not be
// altered without retraining.
const modelBias = -4.107084483430048

var modelWeights = [SpectrumBins]float64{
	0.0213458101274861, -0.0080995864952029, 0.0145926752918741, 0.0311842926815601,
	-0.0044934915301127, 0.0192873014507812, 0.0078456120933415, -0.0123984170218532,
	0.0267491083125476, 0.0051208394716823, -0.0036587249118907, 0.0174092561037284,
	0.0098273540612945, 0.0228146093827551, -0.0067039425871064, 0.0139528716204893,
	0.0042861937250718, -0.0095147208364172, 0.0183650924781436, 0.0026504817093625,
	0.0117293850462781, -0.0054108263917402, 0.0161847092535064, 0.0089324760158213,
	-0.0031962084725916, 0.0124685031794827, 0.0073058214962385, -0.0108741952063489,
	0.0152906384217053, 0.0037419620853174, -0.0024853071946218, 0.0096182473605291,
	0.0064027851392746, -0.0082560149273805, 0.0131478290646152, 0.0049361082740923,
	-0.0018734905162087, 0.0107852936014268, 0.0058216394871052, -0.0071409382650214,
	0.0119730258461937, 0.0033847152906384, -0.0012968375012443, 0.0086521047392815,
}
